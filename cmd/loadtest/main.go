package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/roomcast/pkg/client"
	"github.com/aeolun/roomcast/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum))

// generateIdentity combines fragments of two random words
func generateIdentity(rng *rand.Rand) string {
	frag := func() string {
		w := strings.ToLower(loremWords[rng.Intn(len(loremWords))])
		n := 3 + rng.Intn(4)
		if n > len(w) {
			n = len(w)
		}
		return w[:n]
	}
	return frag() + frag()
}

type loadOptions struct {
	server   string
	clients  int
	rooms    int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	broadcastsSeen    atomic.Int64
	ledgerOps         atomic.Int64

	rateLimited    atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

var errDisconnected = errors.New("connection closed")

// BotClient is a scripted client that chats in one room
type BotClient struct {
	id    int
	conn  *client.Client
	stats *Stats
	rng   *rand.Rand
}

func NewBotClient(ctx context.Context, id int, serverAddr string, stats *Stats) (*BotClient, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	conn, err := client.Dial(ctx, serverAddr)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Hello(generateIdentity(rng), ""); err != nil {
		conn.Close()
		return nil, err
	}
	return &BotClient{id: id, conn: conn, stats: stats, rng: rng}, nil
}

// await returns the next frame of one of the wanted types. Broadcasts and
// notices that arrive in between are counted and skipped.
func (bc *BotClient) await(timeout time.Duration, wanted ...uint8) (*protocol.Frame, error) {
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-bc.conn.Incoming():
			if !ok {
				return nil, errDisconnected
			}
			if frame.Type == protocol.TypeChatBroadcast {
				bc.stats.broadcastsSeen.Add(1)
			}
			if frame.Type == protocol.TypeError {
				return nil, client.DecodeError(frame)
			}
			for _, t := range wanted {
				if frame.Type == t {
					return frame, nil
				}
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for 0x%02X", wanted)
		}
	}
}

// JoinRoom moves the bot into room, creating it when missing
func (bc *BotClient) JoinRoom(room string) error {
	if room == "" {
		return nil
	}
	if err := bc.conn.Send(&protocol.JoinRoomMessage{Room: room}); err != nil {
		return err
	}
	_, err := bc.await(5*time.Second, protocol.TypeRoomChanged)
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) && serverErr.Code == protocol.ErrCodeRoomNotFound {
		if err := bc.conn.Send(&protocol.CreateRoomMessage{Room: room}); err != nil {
			return err
		}
		_, err = bc.await(5*time.Second, protocol.TypeRoomChanged)
		// Another bot created it first
		if errors.As(err, &serverErr) && serverErr.Code == protocol.ErrCodeRoomExists {
			return bc.JoinRoom(room)
		}
	}
	return err
}

// PostRandomMessage sends one chat line and times the ECHO reply
func (bc *BotClient) PostRandomMessage() error {
	wordCount := 5 + bc.rng.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[bc.rng.Intn(len(loremWords))]
	}

	start := time.Now()
	if err := bc.conn.Send(&protocol.ChatMessage{Text: strings.Join(words, " ")}); err != nil {
		bc.stats.disconnections.Add(1)
		bc.stats.messagesFailed.Add(1)
		return err
	}

	_, err := bc.await(10*time.Second, protocol.TypeEcho)
	var serverErr *client.ServerError
	switch {
	case err == nil:
		bc.stats.recordSuccess(time.Since(start).Microseconds())
		return nil
	case errors.Is(err, errDisconnected):
		bc.stats.disconnections.Add(1)
	case errors.As(err, &serverErr) && serverErr.Code == protocol.ErrCodeRateLimitExceeded:
		bc.stats.rateLimited.Add(1)
	default:
		bc.stats.timeouts.Add(1)
	}
	bc.stats.messagesFailed.Add(1)
	return err
}

// TouchLedger deposits a small amount and immediately withdraws it
func (bc *BotClient) TouchLedger() error {
	amount := int64(1 + bc.rng.Intn(100))
	if err := bc.conn.Send(&protocol.DepositMessage{Amount: amount}); err != nil {
		return err
	}
	if _, err := bc.await(5*time.Second, protocol.TypeLedgerUpdate); err != nil {
		return err
	}
	if err := bc.conn.Send(&protocol.WithdrawMessage{Amount: amount}); err != nil {
		return err
	}
	if _, err := bc.await(5*time.Second, protocol.TypeLedgerUpdate); err != nil {
		return err
	}
	bc.stats.ledgerOps.Add(2)
	return nil
}

func (bc *BotClient) Run(ctx context.Context, opts *loadOptions, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(opts.duration)
	for iteration := 1; time.Now().Before(endTime) && ctx.Err() == nil; iteration++ {
		if err := bc.PostRandomMessage(); errors.Is(err, errDisconnected) {
			return
		}
		if iteration%5 == 0 {
			bc.TouchLedger()
		}

		delay := opts.minDelay
		if span := opts.maxDelay - opts.minDelay; span > 0 {
			delay += time.Duration(bc.rng.Int63n(int64(span)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
	bc.conn.Quit()
}

func runLoadTest(ctx context.Context, opts *loadOptions) (*Stats, error) {
	if opts.clients <= 0 {
		return nil, errors.New("--clients must be positive")
	}
	if opts.maxDelay < opts.minDelay {
		return nil, errors.New("--max-delay must not be below --min-delay")
	}

	// Ramp up over 25% of the test duration
	rampUpDuration := opts.duration / 4
	staggerDelay := rampUpDuration / time.Duration(opts.clients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", opts.server)
	log.Printf("  Clients: %d across %d rooms", opts.clients, opts.rooms)
	log.Printf("  Duration: %v", opts.duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", opts.minDelay, opts.maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				rate := float64(posted) / time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d failed, %d conn errors, avg %.2fms",
					posted, rate, failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

spawn:
	for i := 0; i < opts.clients; i++ {
		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(opts.clients-i-1)

		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(ctx, id, opts.server, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			room := ""
			if opts.rooms > 1 {
				if n := id % opts.rooms; n > 0 {
					room = fmt.Sprintf("load-%d", n)
				}
			}
			if err := bot.JoinRoom(room); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}
			bot.Run(ctx, opts, shutdownDelay)
		}(i)

		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)

	posted, failed, connErrors, avgUs := stats.snapshot()
	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", opts.duration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/opts.duration.Seconds())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Rate limited: %d", stats.rateLimited.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Broadcasts received: %d", stats.broadcastsSeen.Load())
	log.Printf("Ledger operations: %d", stats.ledgerOps.Load())
	log.Printf("Average response time: %.2fms", avgUs/1000.0)
	if posted+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(posted)/float64(posted+failed)*100)
	}
	return stats, nil
}

func newRootCmd() *cobra.Command {
	opts := &loadOptions{}
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Drive a roomcast server with scripted chat clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err := runLoadTest(ctx, opts)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "localhost:7070", "Server address (host:port, ws://host:port or ssh://host:port)")
	flags.IntVar(&opts.clients, "clients", 10, "Number of concurrent clients")
	flags.IntVar(&opts.rooms, "rooms", 1, "Spread clients across this many rooms")
	flags.DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	flags.DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between posts")
	flags.DurationVar(&opts.maxDelay, "max-delay", time.Second, "Maximum delay between posts")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
