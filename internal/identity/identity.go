// Package identity registers the client's alias with the relay. No transfer
// may start before registration succeeded.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1ureka/relaytun/internal/relay"
)

// DefaultTimeout bounds how long Register waits for the hub's verdict.
const DefaultTimeout = 10 * time.Second

var (
	ErrEmptyAlias    = errors.New("alias must not be empty")
	ErrAliasRejected = errors.New("alias registration rejected")
	ErrTimeout       = errors.New("alias registration timed out")
)

// Relay is the subset of the relay client the gate needs.
type Relay interface {
	Invoke(ctx context.Context, method string, args any) error
	On(event string, h relay.Handler) func()
}

// Register claims alias on the relay and waits for AliasRegistered. A
// rejection carries the hub's reason.
func Register(ctx context.Context, r Relay, alias string, timeout time.Duration) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return ErrEmptyAlias
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	offOK := r.On(relay.EventAliasRegistered, func(args []byte) {
		var got string
		if err := relay.Decode(args, &got); err == nil && got == alias {
			report(nil)
		}
	})
	defer offOK()

	offFail := r.On(relay.EventAliasRegistrationFailed, func(args []byte) {
		var reason string
		_ = relay.Decode(args, &reason)
		report(fmt.Errorf("%w: %q: %s", ErrAliasRejected, alias, reason))
	})
	defer offFail()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.Invoke(ctx, relay.MethodRegisterAlias, relay.RegisterAliasRequest{Alias: alias}); err != nil {
		select {
		case verdict := <-result:
			if verdict != nil {
				return verdict
			}
		default:
		}
		if errors.Is(err, relay.ErrInvokeFailed) {
			return fmt.Errorf("%w: %q: %v", ErrAliasRejected, alias, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
