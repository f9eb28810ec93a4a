package distriparts

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context canceled on SIGINT/SIGTERM. A
// cmd/ driver passes it to StepHandler.RunBuiltin/RunScriptlet so Ctrl-C
// kills an in-flight plugin command or scriptlet the same way distri's
// cmd/distri main.go cancels a running build: cancellation is initiated
// by the caller, not the step-execution core.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals will result in immediate termination, which is
		// useful in case cleanup hangs:
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
