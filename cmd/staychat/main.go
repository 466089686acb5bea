// Command staychat is a terminal client for a single conversation. Lines
// typed on stdin are sent as messages; lines starting with a slash are
// commands.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-staychat/internal/client"
	"github.com/npezzotti/go-staychat/internal/types"
)

const usage = `commands:
  /list                 list conversations
  /actions <booking>    show the actions available on a booking
  /book <booking> <to>  request a booking status change
  /quit                 leave the conversation and exit`

var (
	serverURL      string
	apiURL         string
	token          string
	conversationId string
)

func main() {
	_ = godotenv.Load()

	flag.StringVar(&serverURL, "server", envOr("STAYCHAT_SERVER", "ws://localhost:8000/ws"), "websocket endpoint")
	flag.StringVar(&apiURL, "api", envOr("STAYCHAT_API", "http://localhost:8000"), "REST API base URL")
	flag.StringVar(&token, "token", os.Getenv("STAYCHAT_TOKEN"), "bearer token")
	flag.StringVar(&conversationId, "conversation", "", "conversation to open")
	flag.Parse()

	logger := log.New(os.Stderr, "[staychat] ", log.LstdFlags)

	if token == "" {
		logger.Fatal("a token is required (-token or STAYCHAT_TOKEN)")
	}

	opts := client.DefaultOptions()
	opts.ServerURL = serverURL
	opts.APIBaseURL = apiURL
	opts.Logger = logger

	c := client.New(opts)
	defer c.Logout()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := c.Connect(ctx, token)
	if err != nil {
		logger.Fatal("connect:", err)
	}
	fmt.Printf("connected as user %d\n", session.UserId)

	watch(c, session.UserId)

	if conversationId != "" {
		if err := c.OpenConversation(ctx, conversationId); err != nil {
			logger.Fatal("open conversation:", err)
		}
		for _, e := range c.Messages.Messages(conversationId) {
			printMessage(e.Message, session.UserId)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, c, session.UserId, line); quit {
				if conversationId != "" {
					c.CloseConversation(context.Background(), conversationId)
				}
				return
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func watch(c *client.Client, self int) {
	c.Manager.OnStateChange(func(from, to client.State) {
		fmt.Printf("* connection %s -> %s\n", from, to)
	})
	c.Messages.OnMessageReceived(func(m types.Message) {
		if m.SenderId != self {
			printMessage(m, self)
		}
	})
	c.Messages.OnEntry(func(e client.Entry) {
		if f, ok := e.State.(client.Failed); ok {
			fmt.Printf("! message %q failed: %v\n", e.Message.Content, f.Err)
		}
	})
	c.Typing.OnTypingChanged(func(convId string, userId int, isTyping bool) {
		if isTyping {
			fmt.Printf("* user %d is typing...\n", userId)
		}
	})
	c.Bookings.OnChange(func(b types.Booking) {
		fmt.Printf("* booking %d is now %s\n", b.Id, b.Status)
	})
}

func printMessage(m types.Message, self int) {
	who := "user " + strconv.Itoa(m.SenderId)
	if m.SenderId == self {
		who = "you"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
}

func handleLine(ctx context.Context, c *client.Client, self int, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if conversationId == "" {
			fmt.Println("! no conversation open (use -conversation)")
			return false
		}
		c.NotifyTyping(conversationId)
		if _, err := c.SendMessage(conversationId, line); err != nil {
			fmt.Println("! send:", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/list":
		for _, s := range c.Inbox.Summaries() {
			fmt.Printf("  %s  property %d  unread %d\n", s.Conversation.Id, s.Conversation.PropertyId, s.UnreadCount)
		}
	case "/actions":
		id, ok := bookingArg(fields)
		if !ok {
			break
		}
		if _, err := c.Bookings.Get(ctx, id); err != nil {
			fmt.Println("! booking:", err)
			break
		}
		actions := c.Bookings.Actions(id, self)
		if len(actions) == 0 {
			fmt.Println("  no actions available")
		}
		for _, a := range actions {
			fmt.Printf("  %s (/book %d %s)\n", a.Name, id, a.Target)
		}
	case "/book":
		id, ok := bookingArg(fields)
		if !ok || len(fields) < 3 {
			fmt.Println(usage)
			break
		}
		to := types.BookingStatus(fields[2])
		if !to.Valid() {
			fmt.Printf("! unknown status %q\n", fields[2])
			break
		}
		if _, err := c.Bookings.Transition(ctx, id, to); err != nil {
			fmt.Println("! booking:", err)
		}
	default:
		fmt.Println(usage)
	}

	return false
}

func bookingArg(fields []string) (int, bool) {
	if len(fields) < 2 {
		fmt.Println(usage)
		return 0, false
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Printf("! invalid booking id %q\n", fields[1])
		return 0, false
	}
	return id, true
}
