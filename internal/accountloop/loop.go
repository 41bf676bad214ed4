// Package accountloop implements Loop: the per-(account,
// broker) cooperative state machine that ties together the RiskEngine,
// ExitEngine, PositionTracker, Strategy.Analyze, a BrokerAdapter, and
// (for MASTER accounts) the CopyTradeBus. One Loop owns exactly one
// account; Supervisor constructs and runs one goroutine per Loop.
//
// Loop keeps everything it needs as explicit struct fields — no
// package-level state — and is cancelled cooperatively through its
// context; internal/events.Bus decouples fills from the CopyTradeBus.
package accountloop

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"apex-engine/internal/copytrade"
	"apex-engine/internal/domain"
	"apex-engine/internal/events"
	"apex-engine/internal/exit"
	"apex-engine/internal/monitor"
	"apex-engine/internal/position"
	"apex-engine/internal/risktier"
	"apex-engine/internal/statemachine"
	"apex-engine/internal/strategy"
	"apex-engine/pkg/apexerr"
	"apex-engine/pkg/broker"
)

// Phase is the Loop's own state, distinct from the process-wide
// EngineMode: a single account can be DEGRADED while the engine overall
// stays LIVE_ACTIVE.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseConnecting Phase = "CONNECTING"
	PhaseReady      Phase = "READY"
	PhaseScanning   Phase = "SCANNING"
	PhaseManaging   Phase = "MANAGING"
	PhaseSleeping   Phase = "SLEEPING"
	PhaseDegraded   Phase = "DEGRADED"
	PhaseHalted     Phase = "HALTED"
)

// defaultSleep is the default inter-tick sleep.
const defaultSleep = 150 * time.Second

// symbolsPerBatch bounds how many markets one cycle scans; the rotation
// size.
const symbolsPerBatch = 100

// degradeAfter is the number of consecutive tick failures that demote a
// Loop from READY/SCANNING into DEGRADED.
const degradeAfter = 3

// CandleSource supplies the three timeframe series Strategy.Analyze
// needs for one symbol.
type CandleSource func(ctx context.Context, symbol string) (strategy.Input, error)

// Config bundles everything one Loop needs at construction time.
type Config struct {
	Account      domain.Account
	Broker       broker.Adapter
	Positions    *position.Tracker
	Risk         *risktier.Engine
	Exit         *exit.Engine
	State        *statemachine.StateMachine
	Events       *events.Bus
	CopyTrade    *copytrade.Bus // nil unless Account.Role == MASTER
	Candles      CandleSource
	Symbols      []string
	SleepBetween time.Duration // zero means defaultSleep
	QuoteCcy     string
	Metrics      *monitor.SystemMetrics // nil disables instrumentation

	// Equity resolves this account's current total equity, needed to
	// compute CopyEvent.MasterEquityAtFill accurately (Supervisor wires
	// this to the same Broker.GetBalance call it uses for risk sizing).
	// Nil is only valid for a non-MASTER Loop.
	Equity func(ctx context.Context) (float64, error)

	// Snapshot persists the tracker's open positions at the end of each
	// tick (Supervisor wires it to the per-account positions file). Nil
	// disables snapshotting.
	Snapshot func(positions []*domain.Position)
}

// Loop runs one account's trading cycle until its context is canceled.
type Loop struct {
	cfg            Config
	phase          Phase
	symbolCursor   int
	consecutiveErr int
	lastErr        error
	paused         atomic.Bool
}

// Pause suspends new entries (scanAndEnter) without killing the whole
// engine; open positions continue to be managed. Used by the operator
// pause endpoint for a single account.
func (l *Loop) Pause() { l.paused.Store(true) }

// Resume clears a prior Pause.
func (l *Loop) Resume() { l.paused.Store(false) }

// Paused reports the current pause flag.
func (l *Loop) Paused() bool { return l.paused.Load() }

// New builds a Loop in PhaseIdle. Call Run to start it.
func New(cfg Config) *Loop {
	if cfg.SleepBetween <= 0 {
		cfg.SleepBetween = defaultSleep
	}
	return &Loop{cfg: cfg, phase: PhaseIdle}
}

// Phase returns the Loop's current state, safe to read from another
// goroutine only for observability (e.g. a status endpoint) — not
// synchronized, intentionally best-effort.
func (l *Loop) Phase() Phase { return l.phase }

// AccountID returns the account this Loop drives.
func (l *Loop) AccountID() string { return l.cfg.Account.ID }

// LastError returns the most recent tick error, or nil.
func (l *Loop) LastError() error { return l.lastErr }

// Positions exposes the Loop's PositionTracker for status/reporting.
func (l *Loop) Positions() *position.Tracker { return l.cfg.Positions }

// SetSymbols installs the tradable symbol universe resolved by
// Supervisor's broker.GetProducts call. Must be called before Run starts
// the Loop's goroutine; scanAndEnter reads Symbols without its own lock.
func (l *Loop) SetSymbols(symbols []string) { l.cfg.Symbols = symbols }

// Run drives the Loop's ticks until ctx is canceled. It returns early only
// when the initial broker Connect fails or a tick hits a FATAL-class error.
func (l *Loop) Run(ctx context.Context) error {
	l.phase = PhaseConnecting
	if _, err := l.cfg.Broker.Connect(ctx, l.cfg.Account.CredentialsHandle); err != nil {
		l.phase = PhaseHalted
		return fmt.Errorf("accountloop[%s]: connect failed: %w", l.cfg.Account.ID, err)
	}
	l.phase = PhaseReady

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.cfg.State.PollKillFile()
		if l.cfg.State.Mode() == domain.ModeEmergencyStop {
			l.phase = PhaseHalted
			l.sleep(ctx, l.cfg.SleepBetween)
			continue
		}

		if err := l.tick(ctx); err != nil {
			l.lastErr = err
			l.consecutiveErr++
			log.Printf("⚠️ accountloop[%s] tick error (%d consecutive): %v", l.cfg.Account.ID, l.consecutiveErr, err)
			if apexerr.Classify(err) == apexerr.Fatal {
				l.phase = PhaseHalted
				return fmt.Errorf("accountloop[%s]: fatal error, halting: %w", l.cfg.Account.ID, err)
			}
			if l.consecutiveErr >= degradeAfter {
				l.phase = PhaseDegraded
			}
		} else {
			l.consecutiveErr = 0
			if l.phase == PhaseDegraded {
				l.phase = PhaseReady
			}
		}

		if l.phase != PhaseDegraded {
			l.phase = PhaseSleeping
		}
		l.sleep(ctx, l.cfg.SleepBetween)
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// tick runs exactly one cycle: reconcile, exit, (maybe) scan
// and enter, publish copy events.
func (l *Loop) tick(ctx context.Context) error {
	start := time.Now()
	if l.cfg.Metrics != nil {
		defer func() { l.cfg.Metrics.ObserveCycle(time.Since(start)); l.cfg.Metrics.IncrementTicks() }()
	}
	canTrade := l.cfg.State.CanTrade() && !l.paused.Load()

	var raw []domain.RawPosition
	if err := broker.RetryTransient(ctx, func() error {
		var err error
		raw, err = l.cfg.Broker.GetPositions(ctx)
		return err
	}); err != nil {
		return apexerr.Wrap(apexerr.CodeNetwork, "get_positions", err)
	}

	prices := make(map[string]float64, len(raw))
	for _, r := range raw {
		p, err := l.cfg.Broker.GetCurrentPrice(ctx, r.Symbol)
		if err != nil {
			continue
		}
		prices[r.Symbol] = p
	}
	l.cfg.Positions.AdoptExisting(raw, prices, time.Now())

	l.phase = PhaseManaging
	if err := l.manageExits(ctx, canTrade); err != nil {
		return err
	}

	if canTrade {
		l.phase = PhaseScanning
		if err := l.scanAndEnter(ctx); err != nil {
			return err
		}
	}

	if l.cfg.Snapshot != nil {
		l.cfg.Snapshot(l.cfg.Positions.All())
	}
	return nil
}

// manageExits evaluates every open position against the ExitEngine and
// places closing orders concurrently, plus forced-drain when over cap.
// Runs even when canTrade is false: managing-only mode still runs exits.
// It dispatches one evaluateOne per open position concurrently, so one
// account's broker calls can overlap: broker.RateLimiter only spaces calls
// that share an (account_id, endpoint) key, and adapter calls that do not
// go through the limiter are not serialized at all.
func (l *Loop) manageExits(ctx context.Context, canTrade bool) error {
	open := l.cfg.Positions.All()
	if len(open) == 0 {
		return nil
	}

	type result struct {
		pos    *domain.Position
		pnlPct float64
		err    error
	}
	results := make(chan result, len(open))
	for _, p := range open {
		go func(p *domain.Position) {
			pct, err := l.evaluateOne(ctx, p)
			results <- result{pos: p, pnlPct: pct, err: err}
		}(p)
	}
	ranked := make([]exit.RankedPosition, 0, len(open))
	var firstErr error
	for range open {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		ranked = append(ranked, exit.RankedPosition{Position: r.pos, PnLPct: r.pnlPct})
	}

	for _, intent := range l.cfg.Exit.ForcedDrain(ranked) {
		if err := l.placeExit(ctx, intent); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// evaluateOne prices one position, runs the ExitEngine on it, and places
// the resulting exit if one fires. The fractional PnL is returned either
// way so manageExits can rank the survivors for forced drain.
func (l *Loop) evaluateOne(ctx context.Context, p *domain.Position) (float64, error) {
	if l.cfg.Positions.IsUnsellable(p.Symbol, time.Now()) {
		return 0, nil
	}
	price, err := l.cfg.Broker.GetCurrentPrice(ctx, p.Symbol)
	if err != nil {
		return 0, apexerr.Wrap(apexerr.CodeNetwork, "get_current_price", err)
	}
	pct, usd, err := l.cfg.Positions.PnL(p.Symbol, price)
	if err != nil {
		return pct, apexerr.New(apexerr.CodeDecodeFailed, l.cfg.Account.ID, p.Symbol, err)
	}
	l.cfg.Positions.UpdateMaxFavorable(p.Symbol, pct)

	ev := exit.Evaluation{
		Position:     p,
		CurrentPrice: price,
		PnLPct:       pct,
		PnLUSD:       usd,
		Now:          time.Now(),
		TiersTaken:   len(p.PartialExits),
	}
	l.cfg.Positions.UpdateTrailing(p.Symbol, l.cfg.Exit.TrailingFor(ev))

	intent, ok := l.cfg.Exit.Evaluate(ev)
	if !ok {
		if l.cfg.Exit.LosingWarning(ev) {
			msg := fmt.Sprintf("%s %s down %.2f%% for %s, time exit approaching",
				l.cfg.Account.ID, p.Symbol, pct*100, ev.Now.Sub(p.OpenedAt).Round(time.Minute))
			log.Printf("⚠️ accountloop[%s] %s", l.cfg.Account.ID, msg)
			if l.cfg.Events != nil {
				l.cfg.Events.Publish(events.EventRiskAlert, msg)
			}
		}
		return pct, nil
	}
	return pct, l.placeExit(ctx, intent)
}

func (l *Loop) placeExit(ctx context.Context, intent domain.ExitIntent) error {
	p := l.cfg.Positions.Get(intent.Symbol)
	if p == nil {
		return nil
	}
	side := domain.Sell
	if p.Side == domain.Short {
		side = domain.Buy
	}
	qty := p.Qty * intent.Fraction
	req := domain.OrderRequest{
		AccountID: l.cfg.Account.ID,
		Symbol:    intent.Symbol,
		Side:      side,
		Qty:       qty,
		ClientID:  fmt.Sprintf("exit-%s-%s-%d", l.cfg.Account.ID, intent.Symbol, time.Now().UnixNano()),
		Submitted: time.Now(),
	}
	order, err := l.cfg.Broker.PlaceMarket(ctx, req)
	if err != nil {
		l.cfg.Positions.MarkRejected(intent.Symbol, time.Now())
		return apexerr.New(apexerr.CodeNetwork, l.cfg.Account.ID, intent.Symbol, err)
	}
	l.cfg.Positions.ClearRejections(intent.Symbol)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncrementOrders()
		l.cfg.Metrics.IncrementExitReason(intent.Reason)
	}

	price := 0.0
	if len(order.Fills) > 0 {
		price = order.Fills[0].Price
	}
	if _, err := l.cfg.Positions.RecordExit(intent.Symbol, price, intent.Fraction, intent.Reason, time.Now()); err != nil {
		log.Printf("⚠️ accountloop[%s] record exit %s: %v", l.cfg.Account.ID, intent.Symbol, err)
	}
	if l.cfg.Events != nil {
		l.cfg.Events.Publish(events.EventOrderFilled, order)
	}
	l.publishCopyEvent(ctx, req, order, side)
	return nil
}

// scanAndEnter rotates through the next symbol batch, runs Strategy on
// each, and places RiskEngine-gated entries.
func (l *Loop) scanAndEnter(ctx context.Context) error {
	if len(l.cfg.Symbols) == 0 || l.cfg.Candles == nil {
		return nil
	}
	batch := l.nextBatch()

	var balance domain.Balance
	if err := broker.RetryTransient(ctx, func() error {
		var err error
		balance, err = l.cfg.Broker.GetBalance(ctx, l.cfg.QuoteCcy)
		return err
	}); err != nil {
		return apexerr.Wrap(apexerr.CodeNetwork, "get_balance", err)
	}

	for _, symbol := range batch {
		if l.cfg.Positions.Get(symbol) != nil {
			continue // already holding, managed by manageExits
		}
		if l.cfg.Positions.IsUnsellable(symbol, time.Now()) {
			continue
		}

		in, err := l.cfg.Candles(ctx, symbol)
		if err != nil {
			continue
		}
		sig, ok := strategy.Analyze(in)
		if !ok {
			continue
		}
		if sig.Side == domain.Short && !l.cfg.Broker.Capabilities().Short {
			continue
		}

		avgTarget := sig.Targets[0]
		if len(sig.Targets) > 1 {
			avgTarget = (sig.Targets[0] + sig.Targets[1] + sig.Targets[2]) / 3
		}

		decision := l.cfg.Risk.Gate(risktier.SizeInput{
			AccountID:         l.cfg.Account.ID,
			AccountEquity:     balance.Total,
			OpenPositionCount: l.cfg.Positions.Count(),
			BrokerMinNotional: 1.0,
			StopPct:           sig.SuggestedStopPct,
			AvgTargetPct:      avgTarget,
			Confidence:        sig.Confidence,
			WinRateEstimate:   0.5,
		})
		if !decision.Allowed {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.IncrementRejection(string(decision.Reject))
			}
			continue
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.IncrementSignals()
		}

		if err := l.placeEntry(ctx, symbol, sig, decision); err != nil {
			log.Printf("⚠️ accountloop[%s] entry %s: %v", l.cfg.Account.ID, symbol, err)
		}
	}
	return nil
}

func (l *Loop) placeEntry(ctx context.Context, symbol string, sig domain.Signal, decision risktier.Decision) error {
	side := domain.Buy
	if sig.Side == domain.Short {
		side = domain.Sell
	}
	req := domain.OrderRequest{
		AccountID: l.cfg.Account.ID,
		Symbol:    symbol,
		Side:      side,
		Notional:  decision.SizeUSD,
		ClientID:  fmt.Sprintf("entry-%s-%s-%d", l.cfg.Account.ID, symbol, time.Now().UnixNano()),
		Submitted: time.Now(),
	}
	order, err := l.cfg.Broker.PlaceMarket(ctx, req)
	if err != nil {
		return apexerr.New(apexerr.CodeNetwork, l.cfg.Account.ID, symbol, err)
	}

	price, qty := decision.SizeUSD, 0.0
	if len(order.Fills) > 0 {
		price = order.Fills[0].Price
		for _, f := range order.Fills {
			qty += f.Qty
		}
	}
	if qty <= 0 && price > 0 {
		qty = decision.SizeUSD / price
	}
	l.cfg.Positions.TrackEntry(symbol, sig.Side, price, qty, time.Now())
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncrementOrders()
	}

	if l.cfg.Events != nil {
		l.cfg.Events.Publish(events.EventOrderFilled, order)
	}
	l.publishCopyEvent(ctx, req, order, side)
	return nil
}

// publishCopyEvent fans an order out to followers if this account is a
// MASTER.
func (l *Loop) publishCopyEvent(ctx context.Context, req domain.OrderRequest, order domain.Order, side domain.OrderSide) {
	if l.cfg.CopyTrade == nil || l.cfg.Account.CopyTradeFollower {
		return
	}
	sizeUSD := req.Notional
	if sizeUSD <= 0 && len(order.Fills) > 0 {
		for _, f := range order.Fills {
			sizeUSD += f.Price * f.Qty
		}
	}
	if sizeUSD <= 0 {
		return
	}
	if l.cfg.Equity == nil {
		log.Printf("⚠️ accountloop[%s] copy-trade fanout skipped: no equity lookup configured", l.cfg.Account.ID)
		return
	}
	masterEquity, err := l.cfg.Equity(ctx)
	if err != nil || masterEquity <= 0 {
		log.Printf("⚠️ accountloop[%s] copy-trade fanout skipped: equity lookup failed: %v", l.cfg.Account.ID, err)
		return
	}
	orders, errs := l.cfg.CopyTrade.Fanout(domain.CopyEvent{
		MasterAccountID:    l.cfg.Account.ID,
		MasterOrderID:      order.BrokerOrderID,
		Symbol:             req.Symbol,
		Side:               side,
		MasterSizeUSD:      sizeUSD,
		MasterEquityAtFill: masterEquity,
		At:                 time.Now(),
	})
	for _, err := range errs {
		log.Printf("⚠️ accountloop[%s] copy-trade fanout: %v", l.cfg.Account.ID, err)
	}
	_ = orders // follower orders are placed by Supervisor.consumeCopyTrades, which subscribes to EventCopyTrade
}

// nextBatch returns the next symbolsPerBatch-sized slice of Symbols,
// wrapping around. Symbols is reshuffled whenever the cursor is back at
// exactly 0, so repeated scans don't always favor the same ordering within
// a batch; when len(Symbols) is not a multiple of symbolsPerBatch the
// cursor skips 0 on some passes and those passes keep the previous order.
func (l *Loop) nextBatch() []string {
	n := len(l.cfg.Symbols)
	if n <= symbolsPerBatch {
		return l.cfg.Symbols
	}
	if l.symbolCursor == 0 {
		rand.Shuffle(n, func(i, j int) {
			l.cfg.Symbols[i], l.cfg.Symbols[j] = l.cfg.Symbols[j], l.cfg.Symbols[i]
		})
	}
	start := l.symbolCursor
	end := start + symbolsPerBatch
	var batch []string
	if end <= n {
		batch = l.cfg.Symbols[start:end]
	} else {
		batch = append(append([]string{}, l.cfg.Symbols[start:]...), l.cfg.Symbols[:end-n]...)
	}
	l.symbolCursor = end % n
	return batch
}
