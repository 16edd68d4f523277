// Command client is a line-oriented terminal client for the chat server.
// It keeps a local snapshot of conversations and the friend list on disk,
// so the interface is usable immediately after startup even before the
// server has been reached.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Moon-Spirit/Yueling/internal/apiclient"
	"github.com/Moon-Spirit/Yueling/internal/events"
	"github.com/Moon-Spirit/Yueling/internal/history"
	"github.com/Moon-Spirit/Yueling/internal/localstore"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
	"github.com/Moon-Spirit/Yueling/internal/roster"
	"github.com/Moon-Spirit/Yueling/internal/session"
	"github.com/Moon-Spirit/Yueling/internal/syncer"
	"github.com/Moon-Spirit/Yueling/internal/transport"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "server base URL")
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "server WebSocket URL")
	dataDir := flag.String("data", defaultDataDir(), "local state directory")
	flag.Parse()

	db, err := localstore.Open(*dataDir)
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}

	api := apiclient.New(*serverURL)
	sess := session.New(db)
	sess.Restore()
	hist := history.NewStore(db)
	ros := roster.NewCache(api, db)

	// Declare the router early so the frame callback can capture it.
	var router *events.Router
	channel := transport.New(transport.DefaultConfig(*wsURL), func(data []byte) {
		router.Dispatch(data)
	})
	router = events.NewRouter(channel)

	coord := syncer.New(channel, router, hist, ros, sess)
	coord.SetInbox(api)

	// Re-announce identity after every reconnect.
	channel.SetOnStateChange(func(state transport.State) {
		if state == transport.StateOpen {
			if err := coord.Announce(); err != nil && err != syncer.ErrNotLoggedIn {
				log.Printf("re-announce failed: %v", err)
			}
		}
	})
	channel.SetOnDown(func(err error) {
		fmt.Printf("! connection lost (%v), use /sync to retry\n", err)
	})

	cli := &CLI{
		api:     api,
		sess:    sess,
		hist:    hist,
		ros:     ros,
		coord:   coord,
		scanner: bufio.NewScanner(os.Stdin),
	}

	if _, ok := sess.Identity(); ok {
		if err := coord.Start(context.Background()); err != nil {
			log.Printf("sync failed: %v", err)
		}
	}

	cli.Run()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".yueling"
	}
	return filepath.Join(home, ".yueling")
}

// CLI reads commands from stdin and executes them against the client
// components.
type CLI struct {
	api     *apiclient.Client
	sess    *session.Session
	hist    *history.Store
	ros     *roster.Cache
	coord   *syncer.Coordinator
	scanner *bufio.Scanner
}

// Run is the interactive command loop. It returns when stdin closes or
// the user quits.
func (c *CLI) Run() {
	fmt.Println("Yueling chat client. Type /help for commands.")
	for {
		fmt.Print("> ")
		if !c.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		c.execute(line)
	}
	if err := c.coord.Stop(); err != nil {
		log.Printf("stop: %v", err)
	}
}

func (c *CLI) execute(line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	ctx := context.Background()

	switch cmd {
	case "/help":
		c.printHelp()
	case "/register":
		c.auth(ctx, rest, c.api.Register)
	case "/login":
		c.auth(ctx, rest, c.api.Login)
	case "/logout":
		if err := c.coord.Stop(); err != nil {
			log.Printf("stop: %v", err)
		}
		if err := c.sess.Logout(); err != nil {
			fmt.Printf("! logout: %v\n", err)
			return
		}
		fmt.Println("logged out")
	case "/sync":
		if err := c.coord.Start(ctx); err != nil {
			fmt.Printf("! sync: %v\n", err)
			return
		}
		fmt.Println("synchronized")
	case "/friends":
		c.printFriends()
	case "/requests":
		c.printRequests()
	case "/add":
		if rest == "" {
			fmt.Println("usage: /add <username>")
			return
		}
		if err := c.ros.AddFriend(ctx, c.sess.UserID(), rest); err != nil {
			fmt.Printf("! add friend: %v\n", err)
			return
		}
		fmt.Printf("friend request sent to %s\n", rest)
	case "/accept", "/reject":
		if rest == "" {
			fmt.Printf("usage: %s <request-id>\n", cmd)
			return
		}
		accept := cmd == "/accept"
		if err := c.ros.RespondToRequest(ctx, rest, c.sess.UserID(), accept); err != nil {
			fmt.Printf("! respond: %v\n", err)
			return
		}
		if accept {
			if _, err := c.ros.RefreshFriends(ctx, c.sess.UserID()); err != nil {
				log.Printf("refresh friends: %v", err)
			}
		}
		fmt.Println("done")
	case "/msg":
		peer, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			fmt.Println("usage: /msg <user-id> <text>")
			return
		}
		if _, err := c.coord.SendChat(peer, strings.TrimSpace(text)); err != nil {
			fmt.Printf("! send: %v\n", err)
		}
	case "/history":
		if rest == "" {
			fmt.Println("usage: /history <user-id>")
			return
		}
		c.printHistory(rest)
	case "/whoami":
		identity, ok := c.sess.Identity()
		if !ok {
			fmt.Println("not logged in")
			return
		}
		fmt.Printf("%s (%s)\n", identity.Username, identity.UserID)
	default:
		fmt.Printf("unknown command %q, try /help\n", cmd)
	}
}

// auth runs a login or register call and on success stores the identity
// and starts synchronization.
func (c *CLI) auth(ctx context.Context, rest string, call func(ctx context.Context, username, password string) (*apiclient.AuthResult, error)) {
	username, password, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Println("usage: <command> <username> <password>")
		return
	}

	result, err := call(ctx, username, password)
	if err != nil {
		fmt.Printf("! auth: %v\n", err)
		return
	}
	if err := c.sess.Login(result.UserID, result.Username); err != nil {
		fmt.Printf("! save session: %v\n", err)
		return
	}
	fmt.Printf("hello, %s\n", result.Username)

	if err := c.coord.Start(ctx); err != nil {
		fmt.Printf("! sync: %v\n", err)
	}
}

func (c *CLI) printFriends() {
	friends := c.ros.Friends()
	if len(friends) == 0 {
		fmt.Println("no friends yet, try /add <username>")
		return
	}
	for _, f := range friends {
		fmt.Printf("  %-20s %-8s %s\n", f.Username, f.Status, f.ID)
	}
}

func (c *CLI) printRequests() {
	requests := c.ros.Requests()
	if len(requests) == 0 {
		fmt.Println("no pending requests")
		return
	}
	for _, r := range requests {
		fmt.Printf("  %s wants to be friends (id: %s)\n", r.FromUsername, r.ID)
	}
}

func (c *CLI) printHistory(peer string) {
	me := c.sess.UserID()
	for _, m := range c.hist.Read(me, peer) {
		who := m.Sender
		if m.Sender == me {
			who = "me"
		}
		if m.Kind == protocol.MessageKindSystem {
			who = "*"
		}
		fmt.Printf("  [%s] %s\n", who, m.Content)
	}
}

func (c *CLI) printHelp() {
	fmt.Println(`commands:
  /register <username> <password>  create an account and log in
  /login <username> <password>     log in
  /logout                          log out and disconnect
  /sync                            reconnect and resynchronize
  /friends                         list friends with live status
  /requests                        list pending friend requests
  /add <username>                  send a friend request
  /accept <request-id>             accept a pending request
  /reject <request-id>             reject a pending request
  /msg <user-id> <text>            send a chat message
  /history <user-id>               show the conversation with a friend
  /whoami                          show the current identity
  /quit                            exit`)
}
