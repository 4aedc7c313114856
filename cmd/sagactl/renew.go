package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/outbox"
	"github.com/fortressi/saga/permitrenewal"
)

var errInjected = errors.New("injected failure")

var renewCmd = &cli.Command{
	Name:  "renew",
	Usage: "Run a permit renewal saga",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "permit", Usage: "Permit id to renew", Required: true},
		&cli.StringFlag{Name: "org", Usage: "Organization requesting the renewal", Value: "org-1"},
		&cli.StringFlag{Name: "requested-by", Value: "sagactl"},
		&cli.Int64Flag{Name: "fee", Usage: "Renewal fee in cents, 0 skips payment"},
		&cli.DurationFlag{Name: "term", Usage: "Renewal term", Value: permitrenewal.DefaultTerm},
		&cli.IntFlag{Name: "fail-payment", Usage: "Number of fee charges that fail"},
		&cli.IntFlag{Name: "fail-review", Usage: "Number of agency submissions that fail"},
		&cli.IntFlag{Name: "fail-refund", Usage: "Number of refunds that fail"},
		&cli.IntFlag{Name: "fail-cancel", Usage: "Number of review cancellations that fail"},
		&cli.IntFlag{Name: "resume", Usage: "Resume a failed saga up to this many times"},
		&cli.BoolFlag{Name: "abort", Usage: "Compensate the renewal after it completes"},
		&cli.BoolFlag{Name: "metrics", Usage: "Print saga metrics when done"},
		&cli.BoolFlag{Name: "serve-metrics", Usage: "Serve metrics on the configured address until interrupted"},
	},
	Action: withRuntime(renewAction),
}

func renewAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	payments := permitrenewal.NewFakePaymentGateway()
	reviews := permitrenewal.NewFakeReviewAgency()
	payments.FailNext(injected("payment gateway", cmd.Int("fail-payment"))...)
	payments.FailNextRefund(injected("refund", cmd.Int("fail-refund"))...)
	reviews.FailNext(injected("review agency", cmd.Int("fail-review"))...)
	reviews.FailNextCancel(injected("review cancel", cmd.Int("fail-cancel"))...)

	metrics := saga.NewMetrics()
	opts := []saga.Option{
		saga.WithStore(rt.store.Snapshots()),
		saga.WithMetrics(metrics),
		saga.WithTracerProvider(rt.tracer),
		saga.WithHook(printHook(rt.out)),
	}
	if cmd.Bool("abort") {
		opts = append(opts, saga.WithRetainCompleted())
	}

	orch, err := permitrenewal.NewOrchestrator(permitrenewal.Deps{
		Store:      rt.store,
		Loader:     rt.store,
		Publisher:  outbox.NewPublisher(rt.store, outbox.WithPublisherLogHandler(rt.handler)),
		Payments:   payments,
		Reviews:    reviews,
		LogHandler: rt.handler,
	}, opts...)
	if err != nil {
		return err
	}

	out := orch.Start(ctx, &permitrenewal.RenewalRequest{
		PermitID:       cmd.String("permit"),
		OrganizationID: cmd.String("org"),
		RequestedBy:    cmd.String("requested-by"),
		RenewalTerm:    cmd.Duration("term"),
		FeeAmount:      cmd.Int64("fee"),
	})
	printOutcome(rt.out, "start", out)

	for attempt := 0; attempt < cmd.Int("resume") && out.CanResume; attempt++ {
		out = orch.Resume(ctx, out.SagaID)
		printOutcome(rt.out, "resume", out)
	}

	if cmd.Bool("abort") && out.Success {
		aborted := orch.Abort(ctx, out.SagaID)
		printOutcome(rt.out, "abort", aborted)
		if aborted.Err != nil {
			out = aborted
		}
	}

	if removed := orch.CleanupCompletedSagas(time.Duration(rt.cfg.Sagas.CleanupAfter)); removed > 0 {
		rt.logger.Debug("Removed finished sagas", "count", removed)
	}

	if cmd.Bool("metrics") {
		fmt.Fprint(rt.out, metrics.RenderPrometheus())
	}
	if cmd.Bool("serve-metrics") {
		if err := serveMetrics(ctx, rt, metrics); err != nil {
			return err
		}
	}

	if out.Err != nil {
		return out.Err
	}
	return nil
}

func injected(what string, n int) []error {
	errs := make([]error, 0, n)
	for i := range n {
		errs = append(errs, fmt.Errorf("%s unavailable (%d): %w", what, i+1, errInjected))
	}
	return errs
}

func printHook(w io.Writer) saga.HookFunc {
	return func(_ context.Context, hook saga.LifecycleHook, info saga.HookInfo) {
		fmt.Fprintf(w, "hook %-11s %s (%s)\n", hook, info.SagaID, info.Status)
	}
}

func printOutcome(w io.Writer, op string, out saga.Outcome) {
	switch {
	case out.Success:
		fmt.Fprintf(w, "%s %s: succeeded\n", op, out.SagaID)
	case out.CanResume:
		fmt.Fprintf(w, "%s %s: failed, resumable: %v\n", op, out.SagaID, out.Err)
	default:
		fmt.Fprintf(w, "%s %s: failed: %v\n", op, out.SagaID, out.Err)
	}
}

func serveMetrics(ctx context.Context, rt *runtime, metrics *saga.Metrics) error {
	addr := rt.cfg.Metrics.Addr
	if addr == "" {
		return errors.New("metrics address is not configured")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	rt.logger.Info("Serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
