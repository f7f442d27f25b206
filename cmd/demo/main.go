// Command demo races two mechanics for the same job against an in-process
// reference server and walks the winner through the job lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/api"
	"github.com/ChuLiYu/motofix-dispatch/internal/controller"
	"github.com/ChuLiYu/motofix-dispatch/internal/notify"
	"github.com/ChuLiYu/motofix-dispatch/internal/server"
	"github.com/ChuLiYu/motofix-dispatch/internal/transport"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	srv := server.New(server.Config{OfferTTL: 30 * time.Second}, nil, nil)
	go srv.Serve(ctx, ln)
	base := "http://" + ln.Addr().String()
	fmt.Printf("✓ Reference server on %s\n", base)

	alice := start(ctx, base, types.Mechanic{ID: "1", Name: "Alice"})
	bob := start(ctx, base, types.Mechanic{ID: "2", Name: "Bob"})
	defer alice.Stop()
	defer bob.Stop()

	for _, c := range []*controller.Controller{alice, bob} {
		if !waitFor(ctx, c, func(s types.Snapshot) bool { return s.Connection.State == types.Connected }) {
			log.Fatal("Mechanics did not connect")
		}
	}
	fmt.Println("✓ Alice and Bob connected")

	job, _, err := srv.Publish(types.Job{
		VehicleType:        "motorbike",
		ProblemDescription: "Flat rear tyre",
		CustomerLocation:   "Shahrah-e-Faisal, Karachi",
	}, "+92 300 0000000")
	if err != nil {
		log.Fatalf("Failed to publish: %v", err)
	}
	fmt.Printf("\n🔔 Job %s published, both mechanics race for it...\n", job.ID)

	for _, c := range []*controller.Controller{alice, bob} {
		if !waitFor(ctx, c, func(s types.Snapshot) bool { return s.Offer != nil }) {
			log.Fatal("Offer never arrived")
		}
	}

	var wg sync.WaitGroup
	outcomes := make(map[string]types.ClaimOutcome)
	var mu sync.Mutex
	for name, c := range map[string]*controller.Controller{"Alice": alice, "Bob": bob} {
		wg.Add(1)
		go func(name string, c *controller.Controller) {
			defer wg.Done()
			outcome, err := c.Accept(ctx, job.ID)
			if err != nil {
				fmt.Printf("  %s: %v\n", name, err)
			}
			mu.Lock()
			outcomes[name] = outcome
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()

	fmt.Println("\n📊 Claim outcomes:")
	fmt.Printf("  ├─ Alice: %s\n", outcomes["Alice"])
	fmt.Printf("  └─ Bob:   %s\n", outcomes["Bob"])

	winner := alice
	if outcomes["Bob"] == types.ClaimWon {
		winner = bob
	}
	fmt.Println("\n🛵 Winner works the job:")
	for {
		status, err := winner.Advance(ctx)
		if err != nil {
			if !errors.Is(err, types.ErrNoAssignment) {
				fmt.Printf("  ❌ %v\n", err)
			}
			break
		}
		fmt.Printf("  └─ %s\n", status)
		if status == types.StatusCompleted {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}

	fmt.Println("\n✓ Demo finished")
}

func start(ctx context.Context, base string, m types.Mechanic) *controller.Controller {
	creds := transport.StaticToken(m.ID)
	client := api.NewClient(api.Config{BaseURL: base, Mechanic: m}, creds)
	url, err := transport.StreamURL(base)
	if err != nil {
		log.Fatal(err)
	}
	stream := transport.New(transport.Config{URL: url}, creds)

	notifier := notify.Func(func(n types.Notification) {
		fmt.Printf("  [%s] %s: %s\n", m.Name, n.Kind, n.Message)
	})
	c := controller.New(controller.Config{Self: m, TickInterval: 250 * time.Millisecond}, client, stream, notifier)
	if err := c.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start %s: %v\n", m.Name, err)
		os.Exit(1)
	}
	return c
}

// waitFor blocks until ok holds for c's snapshot, for up to five seconds.
func waitFor(ctx context.Context, c *controller.Controller, ok func(types.Snapshot) bool) bool {
	deadline := time.After(5 * time.Second)
	for !ok(c.Snapshot()) {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-c.Updates():
		case <-time.After(50 * time.Millisecond):
		}
	}
	return true
}
