package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
)

// intents is the part of the controller the console drives.
type intents interface {
	Accept(ctx context.Context, id types.JobID) (types.ClaimOutcome, error)
	Reject(ctx context.Context, id types.JobID) error
	Advance(ctx context.Context) (types.AssignmentStatus, error)
	SetAvailability(ctx context.Context, available bool) error
	Snapshot() types.Snapshot
}

const consoleHelp = `commands:
  accept [id]   claim the current offer (or the given id)
  reject [id]   decline the current offer
  advance       move the assignment to its next status
  online        start receiving offers
  offline       stop receiving offers
  status        print the current state as JSON
  call          show the customer's phone number
  help          this text
  quit          stop the session`

// console turns line-oriented commands into controller intents.
type console struct {
	ctrl    intents
	partner func(ctx context.Context, id types.JobID) (string, error)
	out     io.Writer
	timeout time.Duration
}

// loop reads commands from in until EOF, quit, or ctx is cancelled.
func (c *console) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if c.exec(ctx, line) {
				return nil
			}
		}
	}
}

// exec runs one command. It returns true when the session should end.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	arg := func() types.JobID {
		if len(fields) > 1 {
			return types.JobID(fields[1])
		}
		if o := c.ctrl.Snapshot().Offer; o != nil {
			return o.ID
		}
		return ""
	}

	switch strings.ToLower(fields[0]) {
	case "accept", "a":
		id := arg()
		if id == "" {
			c.printf("no offer to accept\n")
			return false
		}
		outcome, err := c.ctrl.Accept(ctx, id)
		c.result(fmt.Sprintf("accept %s: %s", id, outcome), err)
	case "reject", "r":
		id := arg()
		if id == "" {
			c.printf("no offer to reject\n")
			return false
		}
		c.result(fmt.Sprintf("rejected %s", id), c.ctrl.Reject(ctx, id))
	case "advance", "next":
		status, err := c.ctrl.Advance(ctx)
		c.result(fmt.Sprintf("status: %s", status), err)
	case "online":
		c.result("online", c.ctrl.SetAvailability(ctx, true))
	case "offline":
		c.result("offline", c.ctrl.SetAvailability(ctx, false))
	case "status", "s":
		b, _ := json.MarshalIndent(c.ctrl.Snapshot(), "", "  ")
		c.printf("%s\n", b)
	case "call":
		a := c.ctrl.Snapshot().Assignment
		if a == nil {
			c.printf("no active assignment\n")
			return false
		}
		phone, err := c.partner(ctx, a.ID)
		c.result(fmt.Sprintf("customer phone: %s", phone), err)
	case "help", "?":
		c.printf("%s\n", consoleHelp)
	case "quit", "exit", "q":
		return true
	default:
		c.printf("unknown command %q, try help\n", fields[0])
	}
	return false
}

func (c *console) result(ok string, err error) {
	switch {
	case err == nil:
		c.printf("✅ %s\n", ok)
	case errors.Is(err, types.ErrStaleOffer), errors.Is(err, types.ErrBusy), errors.Is(err, types.ErrNoAssignment):
		c.printf("⚠️  %v\n", err)
	case types.IsTransport(err):
		c.printf("📡 %v (check the connection and retry)\n", err)
	default:
		c.printf("❌ %v\n", err)
	}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// printNotification writes one notification line to out.
func printNotification(out io.Writer, n types.Notification) {
	icon := "🔔"
	switch n.Kind {
	case types.NotifyWon, types.NotifyCompleted:
		icon = "✅"
	case types.NotifyLost, types.NotifyExpired, types.NotifyRejected:
		icon = "⏹️ "
	case types.NotifyError, types.NotifyInvalidated:
		icon = "❌"
	}
	fmt.Fprintf(out, "%s [%s] job %s: %s\n", icon, n.Kind, n.JobID, n.Message)
}
