package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/transaction"
)

var errQuit = errors.New("quit")

const usage = `Commands:
  begin [timeout]                    start a transaction, e.g. "begin 30s"
  durable <name> [yes|no|readonly] [spc]
                                     enlist a durable participant
  volatile <name> [yes|no|readonly] [phase0]
                                     enlist a volatile participant
  promote                            hand the transaction to the coordinator now
  commit                             commit and wait for the outcome
  rollback [reason]                  abort the transaction
  status                             show the current transaction
  reenlist <rm> <tx-handle>          ask the coordinator for a prepared transaction's outcome
  demo                               run a two-resource distributed commit
  help                               show this text
  exit                               leave the shell`

// shell drives one transaction at a time against a Manager. Participants
// are scripted and report what they are told on out.
type shell struct {
	m   *transaction.Manager
	out io.Writer

	mu sync.Mutex
	tx *transaction.Transaction
}

func newShell(m *transaction.Manager, out io.Writer) *shell {
	return &shell{m: m, out: out}
}

func (s *shell) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "help":
		s.printf("%s", usage)
		return nil
	case "exit", "quit":
		return errQuit
	case "begin":
		return s.begin(args)
	case "durable", "volatile":
		return s.enlist(ctx, cmd, args)
	case "promote":
		return s.promote(ctx)
	case "commit":
		return s.commit(ctx)
	case "rollback":
		return s.rollback(strings.Join(args, " "))
	case "status":
		return s.status()
	case "reenlist":
		return s.reenlist(ctx, args)
	case "demo":
		return s.demo(ctx)
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (s *shell) current() (*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil, errors.New("no transaction, run begin first")
	}
	return s.tx, nil
}

func (s *shell) begin(args []string) error {
	var opts transaction.TransactionOptions
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("bad timeout: %w", err)
		}
		opts.Timeout = d
	}
	tx, err := s.m.Begin(opts)
	if err != nil {
		return err
	}
	tx.OnCompleted(func(st transaction.Status) {
		s.printf("transaction %s completed: %s", tx.ID(), st)
	})
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
	s.printf("began %s", tx.ID())
	return nil
}

func (s *shell) enlist(ctx context.Context, kind string, args []string) error {
	tx, err := s.current()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: %s <name> [yes|no|readonly]", kind)
	}
	p := &scripted{name: args[0], vote: "yes", report: s.printf}
	var opts transaction.EnlistmentOptions
	singlePhase := false
	for _, a := range args[1:] {
		switch a {
		case "yes", "no", "readonly":
			p.vote = a
		case "spc":
			singlePhase = true
		case "phase0":
			opts.NotifyBeforeFinalPrepare = true
		default:
			return fmt.Errorf("unknown option %q", a)
		}
	}

	var n transaction.EnlistmentNotification = p
	if singlePhase {
		n = &singlePhaseScripted{scripted: p}
	}
	var e transaction.Enlistment
	if kind == "durable" {
		e, err = tx.EnlistDurable(ctx, p.name, n, opts)
	} else {
		e, err = tx.EnlistVolatile(ctx, n, opts)
	}
	if err != nil {
		return err
	}
	s.printf("enlisted %s %s as %s (promoted=%t)", kind, p.name, e.ID(), tx.Promoted())
	return nil
}

func (s *shell) promote(ctx context.Context) error {
	tx, err := s.current()
	if err != nil {
		return err
	}
	h, err := tx.Promote(ctx)
	if err != nil {
		return err
	}
	s.printf("promoted %s to %s", tx.ID(), h)
	return nil
}

func (s *shell) commit(ctx context.Context) error {
	tx, err := s.current()
	if err != nil {
		return err
	}
	err = tx.Commit(ctx)
	s.printf("commit %s: %s", tx.ID(), tx.Status())
	return err
}

func (s *shell) rollback(reason string) error {
	tx, err := s.current()
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "rolled back from shell"
	}
	return tx.Rollback(reason)
}

func (s *shell) status() error {
	tx, err := s.current()
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s status=%s promoted=%t", tx.ID(), tx.Status(), tx.Promoted())
	if cause := tx.Cause(); cause != nil {
		line += " cause=" + cause.Error()
	}
	s.printf("%s", line)
	return nil
}

func (s *shell) reenlist(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: reenlist <rm> <tx-handle>")
	}
	p := &scripted{name: args[0], vote: "yes", report: s.printf}
	outcome, err := s.m.Reenlist(ctx, args[0], coordinator.TxHandle(args[1]), p)
	if err != nil {
		return err
	}
	s.printf("reenlisted %s in %s: %s", args[0], args[1], outcome)
	return nil
}

func (s *shell) demo(ctx context.Context) error {
	for _, line := range []string{
		"begin 30s",
		"durable inventory yes",
		"volatile cache yes",
		"durable billing yes",
		"commit",
	} {
		s.printf("> %s", line)
		if err := s.exec(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// scripted votes as told and reports every notification.
type scripted struct {
	name   string
	vote   string
	report func(format string, args ...interface{})
}

func (p *scripted) Prepare(_ context.Context, e transaction.PreparingEnlistment) {
	p.report("  %s: prepare -> %s", p.name, p.vote)
	switch p.vote {
	case "no":
		e.ForceRollback(fmt.Errorf("%s voted no", p.name))
	case "readonly":
		e.Done()
	default:
		e.Prepared()
	}
}

func (p *scripted) Commit(_ context.Context, e transaction.Enlistment) {
	p.report("  %s: commit", p.name)
	e.Done()
}

func (p *scripted) Rollback(_ context.Context, e transaction.Enlistment) {
	p.report("  %s: rollback", p.name)
	e.Done()
}

func (p *scripted) InDoubt(_ context.Context, e transaction.Enlistment) {
	p.report("  %s: in doubt", p.name)
	e.Done()
}

type singlePhaseScripted struct {
	*scripted
}

func (p *singlePhaseScripted) SinglePhaseCommit(_ context.Context, e transaction.SinglePhaseEnlistment) {
	p.report("  %s: single-phase commit -> %s", p.name, p.vote)
	if p.vote == "no" {
		e.Aborted(fmt.Errorf("%s refused", p.name))
		return
	}
	e.Committed()
}
