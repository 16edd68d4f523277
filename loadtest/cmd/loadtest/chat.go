package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Moon-Spirit/Yueling/loadtest/client"
	"github.com/Moon-Spirit/Yueling/loadtest/stats"
)

// pairResult tracks the outcome of a single friend pair's lifecycle.
type pairResult struct {
	friended bool
	chatting bool
	msgSent  int64
	msgRecv  int64
}

// chatUser bundles a provisioned account with its live connection.
type chatUser struct {
	userID   string
	username string
	conn     *client.Client
}

// runChat implements the full chat lifecycle load test. Each simulated pair
// goes through the complete flow: register both accounts -> friend request ->
// accept -> connect -> exchange messages -> disconnect. This test measures
// end-to-end delivery latency and throughput for established friendships.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	wsURL := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiURL := fs.String("api-url", "http://localhost:8080", "REST API base URL for account provisioning")
	pairs := fs.Int("pairs", 100, "Number of friend pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair setup")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pair setups during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, *pairs*2, *wsURL, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	api := client.NewAPI(*apiURL)
	run := runID()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1 — Provision and connect all pairs
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Provision and connect pairs ---")

	type chatPair struct {
		a, b *chatUser
	}

	var mu sync.Mutex
	ready := make([]chatPair, 0, *pairs)
	results := make([]pairResult, *pairs)

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				readyCount := len(ready)
				mu.Unlock()
				fmt.Printf("  [setup] pairs ready: %d/%d  errors: %d\n",
					readyCount, *pairs, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	interrupted := false
	launched := 0
	for launched < *pairs {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during setup phase.")
			interrupted = true
			launched = *pairs // Break the loop.
		case <-rampTicker.C:
			launched++
			seq := launched
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()

				pair, err := setupPair(setupCtx, api, *wsURL, run, seq, collector)
				if err != nil {
					collector.AddError()
					return
				}
				results[seq-1].friended = true

				mu.Lock()
				ready = append(ready, chatPair{a: pair[0], b: pair[1]})
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	mu.Lock()
	readyPairs := make([]chatPair, len(ready))
	copy(readyPairs, ready)
	mu.Unlock()

	fmt.Printf("\nPhase 1 complete: %d/%d pairs ready in %s (%d errors)\n",
		len(readyPairs), *pairs,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if interrupted || len(readyPairs) == 0 {
		if len(readyPairs) == 0 {
			fmt.Println("No pairs could be set up.")
		}
		for _, p := range readyPairs {
			p.a.conn.Close()
			p.b.conn.Close()
		}
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Chatting for %s ---\n", *chatDuration)

	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var errorCount atomic.Int64

	// Generate message payload once (reused by all pairs). Each send prefixes
	// it with the send time so the receiver can measure delivery latency.
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  recv: %d  errors: %d\n",
					totalMsgSent.Load(), totalMsgRecv.Load(), errorCount.Load())
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()
	chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)

	var pairWg sync.WaitGroup
	for i, p := range readyPairs {
		i, p := i, p
		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger send loops by 50ms between pairs to spread load.
			stagger := time.Duration(i) * 50 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-chatCtx.Done():
				return
			}

			results[i].chatting = true
			runPair(chatCtx, p.a, p.b, *msgInterval, msgPayload,
				collector, &results[i], &totalMsgSent, &totalMsgRecv, &errorCount)
		}()
	}

	pairWg.Wait()
	chatCancel()
	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var friendedCount, chattingCount int
	var totalSent, totalRecv int64
	for _, r := range results {
		if r.friended {
			friendedCount++
		}
		if r.chatting {
			chattingCount++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs friended:    %d / %d\n", friendedCount, *pairs)
	fmt.Printf("Pairs chatting:    %d / %d\n", chattingCount, *pairs)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	for _, p := range readyPairs {
		p.a.conn.Close()
		p.b.conn.Close()
	}
	scraper.Stop()
	collector.Report()
}

// setupPair registers two accounts, establishes their friendship via the REST
// API, and opens both WebSocket connections. On any failure it closes whatever
// was already opened and returns the error.
func setupPair(ctx context.Context, api *client.API, wsURL, run string, seq int, collector *stats.Collector) ([2]*chatUser, error) {
	var pair [2]*chatUser

	nameA := fmt.Sprintf("lt-%s-%da", run, seq)
	nameB := fmt.Sprintf("lt-%s-%db", run, seq)

	idA, err := api.Register(ctx, nameA, "loadtest-pass")
	if err != nil {
		return pair, fmt.Errorf("register %s: %w", nameA, err)
	}
	idB, err := api.Register(ctx, nameB, "loadtest-pass")
	if err != nil {
		return pair, fmt.Errorf("register %s: %w", nameB, err)
	}

	requestID, err := api.AddFriend(ctx, idA, nameB)
	if err != nil {
		return pair, fmt.Errorf("add friend: %w", err)
	}
	if err := api.AcceptRequest(ctx, requestID, idB); err != nil {
		return pair, fmt.Errorf("accept request: %w", err)
	}

	connA, err := client.New(ctx, wsURL, idA)
	if err != nil {
		return pair, fmt.Errorf("connect %s: %w", nameA, err)
	}
	if err := connA.WaitForReady(ctx); err != nil {
		connA.Close()
		return pair, fmt.Errorf("handshake %s: %w", nameA, err)
	}
	collector.AddConnect(connA.GetMetrics().ConnectLatency)

	connB, err := client.New(ctx, wsURL, idB)
	if err != nil {
		connA.Close()
		return pair, fmt.Errorf("connect %s: %w", nameB, err)
	}
	if err := connB.WaitForReady(ctx); err != nil {
		connA.Close()
		connB.Close()
		return pair, fmt.Errorf("handshake %s: %w", nameB, err)
	}
	collector.AddConnect(connB.GetMetrics().ConnectLatency)

	pair[0] = &chatUser{userID: idA, username: nameA, conn: connA}
	pair[1] = &chatUser{userID: idB, username: nameB, conn: connB}
	return pair, nil
}

// runPair drives the message exchange between two connected friends until the
// context expires. Each side sends on its own ticker; receive handlers decode
// the send timestamp embedded in the payload to record delivery latency.
func runPair(
	ctx context.Context,
	a, b *chatUser,
	msgInterval time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, errorCount *atomic.Int64,
) {
	var sentCount, recvCount atomic.Int64

	onMessage := func(raw json.RawMessage) {
		var frame struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		totalMsgRecv.Add(1)
		recvCount.Add(1)
		if d, ok := payloadLatency(frame.Content); ok {
			collector.AddMsgLatency(d)
		}
	}
	a.conn.On(client.TypeMessage, onMessage)
	b.conn.On(client.TypeMessage, onMessage)

	sendLoop := func(from *chatUser, to *chatUser, wg *sync.WaitGroup) {
		defer wg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				content := strconv.FormatInt(time.Now().UnixNano(), 10) + " " + msgPayload
				if err := from.conn.SendChat(to.userID, content); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				sentCount.Add(1)
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go sendLoop(a, b, &wg)
	go sendLoop(b, a, &wg)
	wg.Wait()

	result.msgSent = sentCount.Load()
	result.msgRecv = recvCount.Load()
}

// payloadLatency extracts the send timestamp prefixed to a chat payload and
// returns the elapsed time since the send. Returns false if the payload does
// not carry a timestamp prefix.
func payloadLatency(content string) (time.Duration, bool) {
	idx := strings.IndexByte(content, ' ')
	if idx <= 0 {
		return 0, false
	}
	nanos, err := strconv.ParseInt(content[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, nanos)), true
}
