// Package supervisor is the engine's composition root: it discovers
// accounts from config, builds one BrokerAdapter and one AccountLoop per
// account, wires the shared RiskEngine, ExitEngine, StateMachine,
// NonceRegistry, CopyTradeBus and ForcedCleanup enforcers around them,
// and owns the whole process lifecycle. Everything is constructed here and
// passed down by reference so internal/api can hold a single handle to
// the running engine instead of reaching into package-level globals.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"apex-engine/internal/accountloop"
	"apex-engine/internal/cleanup"
	"apex-engine/internal/copytrade"
	"apex-engine/internal/credstore"
	"apex-engine/internal/domain"
	"apex-engine/internal/events"
	"apex-engine/internal/exit"
	"apex-engine/internal/monitor"
	"apex-engine/internal/nonce"
	"apex-engine/internal/persist"
	"apex-engine/internal/position"
	"apex-engine/internal/risktier"
	"apex-engine/internal/statemachine"
	"apex-engine/internal/strategy"
	"apex-engine/pkg/apexerr"
	"apex-engine/pkg/broker"
	"apex-engine/pkg/broker/alpaca"
	"apex-engine/pkg/broker/binance"
	"apex-engine/pkg/broker/coinbase"
	"apex-engine/pkg/broker/kraken"
	"apex-engine/pkg/broker/okx"
	"apex-engine/pkg/config"
	"apex-engine/pkg/db"

	"github.com/prometheus/client_golang/prometheus"
)

// candleTimeframes is the base/mid/high multi-timeframe triple; mid is
// 5x base and high is 15x base, matching the strategy package's Input
// contract.
var candleTimeframes = struct{ Base, Mid, High string }{Base: "5m", Mid: "25m", High: "75m"}

const candlesPerSeries = 60

// accountState bundles one account's running loop with the pieces the API
// layer needs to answer status/positions/trades/pnl queries without
// reaching back into the loop's private fields.
type accountState struct {
	account domain.Account
	broker  broker.Adapter
	loop    *accountloop.Loop
	cancel  context.CancelFunc
}

// Supervisor owns every account's AccountLoop plus the shared engine-wide
// components each Loop is constructed against.
type Supervisor struct {
	cfg *config.Config

	State     *statemachine.StateMachine
	Events    *events.Bus
	Journal   *persist.Journal
	CopyTrade *copytrade.Bus
	Metrics   *monitor.SystemMetrics
	Registry  *prometheus.Registry
	DB        *db.Database

	nonces    *nonce.Registry
	positions *position.Registry
	risk      *risktier.Engine
	exitEng   *exit.Engine
	dbQueries *db.Queries

	mu       sync.RWMutex
	accounts map[string]*accountState

	fillCounts map[string]int // accountID -> fills since last trade-count cleanup trigger

	wg sync.WaitGroup
}

// New discovers accounts from cfg, builds a broker.Adapter per account,
// and assembles (but does not yet start) every AccountLoop. Call Run to
// start the engine; cancel the returned context (or call Shutdown) to
// stop it.
func New(cfg *config.Config) (*Supervisor, error) {
	sm, err := statemachine.Open(cfg.DataDir, killFilePath(cfg))
	if err != nil {
		return nil, fmt.Errorf("supervisor: open state machine: %w", err)
	}
	journal, err := persist.OpenJournal(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open journal: %w", err)
	}
	sqlDB, err := db.New(strings.TrimRight(cfg.DataDir, "/") + "/apex.db")
	if err != nil {
		return nil, fmt.Errorf("supervisor: open db: %w", err)
	}
	queries := db.NewQueries(sqlDB)

	s := &Supervisor{
		cfg:        cfg,
		State:      sm,
		Events:     events.NewBus(),
		Journal:    journal,
		Registry:   prometheus.NewRegistry(),
		DB:         sqlDB,
		dbQueries:  queries,
		nonces:     nonce.NewRegistry(cfg.DataDir),
		positions:  position.NewRegistry(),
		risk:       risktier.NewWithStore(risktier.DefaultConfig(), tierStoreAdapter{queries}),
		exitEng:    exit.New(exit.DefaultConfig()),
		accounts:   make(map[string]*accountState),
		fillCounts: make(map[string]int),
	}
	s.CopyTrade = copytrade.New(s.equityLookup, s.Events)
	s.Metrics = monitor.NewSystemMetrics(s.Registry)

	creds := credstore.New()
	for _, c := range cfg.Accounts {
		ref := accountID(c)
		if err := creds.Put(ref, c.APIKey, c.APISecret, c.Passphrase); err != nil {
			return nil, fmt.Errorf("supervisor: encrypt credentials for %s: %w", ref, err)
		}
	}

	accounts, masters := buildAccounts(cfg.Accounts, cfg.MultiBrokerIndependent)
	for _, acc := range accounts {
		adapter, err := buildBroker(acc, cfg, creds, s.nonces)
		if err != nil {
			return nil, fmt.Errorf("supervisor: build broker for %s: %w", acc.ID, err)
		}
		loop := s.buildLoop(acc, adapter)
		s.accounts[acc.ID] = &accountState{account: acc, broker: adapter, loop: loop}
		if err := queries.UpsertAccount(acc.ID, string(acc.Role), string(acc.Broker)); err != nil {
			log.Printf("⚠️ supervisor: upsert account roster for %s: %v", acc.ID, err)
		}
	}
	for followerID, masterID := range masters {
		s.CopyTrade.Register(masterID, followerID)
	}

	return s, nil
}

// tierStoreAdapter satisfies risktier.TierStore over db.Queries' plain
// string columns, keeping pkg/db free of any dependency on internal/risktier.
type tierStoreAdapter struct{ q *db.Queries }

func (a tierStoreAdapter) LoadTier(accountID string) (risktier.Tier, bool) {
	v, ok := a.q.LoadTier(accountID)
	return risktier.Tier(v), ok
}

func (a tierStoreAdapter) SaveTier(accountID string, tier risktier.Tier) error {
	return a.q.SaveTier(accountID, string(tier))
}

func killFilePath(cfg *config.Config) string {
	return strings.TrimRight(cfg.DataDir, "/") + "/EMERGENCY_STOP"
}

// buildAccounts turns the flat AccountCreds list into domain.Account
// values, deciding CopyTradeFollower per the isolation invariant: when
// copy-trading is enabled (MultiBrokerIndependent == false), a USER
// account sharing a MASTER's broker is driven by that master's fills
// instead of running its own independent scan loop. It returns the
// account list plus a followerID -> masterID map for CopyTradeBus
// registration.
func buildAccounts(creds []config.AccountCreds, independent bool) ([]domain.Account, map[string]string) {
	var accounts []domain.Account
	mastersByBroker := make(map[string]string) // broker -> masterAccountID

	for _, c := range creds {
		if c.Role != "MASTER" {
			continue
		}
		id := accountID(c)
		mastersByBroker[c.Broker] = id
		accounts = append(accounts, domain.Account{
			ID:                id,
			Role:              domain.RoleMaster,
			Broker:            domain.BrokerType(c.Broker),
			CredentialsHandle: domain.CredentialsHandle{Ref: id},
			CreatedAt:         time.Now(),
		})
	}

	followers := make(map[string]string)
	for _, c := range creds {
		if c.Role != "USER" {
			continue
		}
		id := accountID(c)
		acc := domain.Account{
			ID:                id,
			Role:              domain.RoleUser,
			Broker:            domain.BrokerType(c.Broker),
			CredentialsHandle: domain.CredentialsHandle{Ref: id},
			CreatedAt:         time.Now(),
		}
		if masterID, ok := mastersByBroker[c.Broker]; ok && !independent {
			acc.CopyTradeFollower = true
			acc.MasterAccountID = masterID
			followers[id] = masterID
		}
		accounts = append(accounts, acc)
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, followers
}

func accountID(c config.AccountCreds) string {
	broker := strings.ToLower(c.Broker)
	if c.Role == "MASTER" {
		return broker + "_master"
	}
	return broker + "_user_" + c.UserID
}

// buildBroker constructs the concrete broker.Adapter for one account,
// resolving its credentials out of the encrypted credstore.Store by the
// account's own CredentialsHandle.Ref rather than touching cfg.Accounts'
// plaintext directly.
// Broker selection still matches each exchange's signing scheme.
func buildBroker(acc domain.Account, cfg *config.Config, creds *credstore.Store, nonces *nonce.Registry) (broker.Adapter, error) {
	meta := findCredsMeta(cfg.Accounts, acc)
	if meta == nil {
		return nil, fmt.Errorf("no credentials found for account %s", acc.ID)
	}
	c, err := creds.Resolve(acc.CredentialsHandle.Ref)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", acc.ID, err)
	}
	switch domain.BrokerType(meta.Broker) {
	case domain.BrokerCoinbase:
		return coinbase.New(coinbase.Config{KeyName: c.APIKey, PrivateKey: c.APISecret}), nil
	case domain.BrokerKraken:
		store, err := nonces.GetOrCreate(string(acc.Role), acc.ID)
		if err != nil {
			return nil, err
		}
		return kraken.New(kraken.Config{APIKey: c.APIKey, APISecret: c.APISecret}, store), nil
	case domain.BrokerOKX:
		return okx.New(okx.Config{APIKey: c.APIKey, APISecret: c.APISecret, Passphrase: c.Passphrase}), nil
	case domain.BrokerBinance:
		return binance.New(binance.Config{APIKey: c.APIKey, APISecret: c.APISecret, Testnet: meta.Paper}), nil
	case domain.BrokerAlpaca:
		return alpaca.New(alpaca.Config{APIKeyID: c.APIKey, APISecretKey: c.APISecret, Paper: meta.Paper}), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", meta.Broker)
	}
}

// findCredsMeta returns the non-secret metadata (broker, paper flag) for
// acc; the secret fields themselves live only in the credstore.
func findCredsMeta(all []config.AccountCreds, acc domain.Account) *config.AccountCreds {
	for i := range all {
		if accountID(all[i]) == acc.ID {
			return &all[i]
		}
	}
	return nil
}

// buildLoop assembles one account's accountloop.Loop. Follower accounts
// get nil Symbols/Candles so Loop's own scanAndEnter guard disables
// independent scanning for them — a follower's entries arrive only via
// copy-trade fan-out, handled separately by Supervisor.Run.
func (s *Supervisor) buildLoop(acc domain.Account, adapter broker.Adapter) *accountloop.Loop {
	tracker := s.positions.GetOrCreate(acc.ID)
	if snap, err := persist.LoadPositions(s.cfg.DataDir, acc.ID); err != nil {
		log.Printf("⚠️ supervisor: load position snapshot for %s: %v", acc.ID, err)
	} else if n := tracker.Restore(snap); n > 0 {
		log.Printf("♻️ supervisor: restored %d positions for %s from snapshot", n, acc.ID)
	}

	var copyBus *copytrade.Bus
	if acc.Role == domain.RoleMaster {
		copyBus = s.CopyTrade
	}

	exitEng := s.exitEng
	if acc.Broker == domain.BrokerCoinbase {
		ec := exit.DefaultConfig()
		ec.Tiers = exit.CoinbaseTiers
		exitEng = exit.New(ec)
	}

	cfg := accountloop.Config{
		Account:      acc,
		Broker:       adapter,
		Positions:    tracker,
		Risk:         s.risk,
		Exit:         exitEng,
		State:        s.State,
		Events:       s.Events,
		CopyTrade:    copyBus,
		SleepBetween: s.cfg.CycleInterval,
		QuoteCcy:     "USD",
		Metrics:      s.Metrics,
		Equity: func(ctx context.Context) (float64, error) {
			bal, err := adapter.GetBalance(ctx, "USD")
			if err != nil {
				return 0, err
			}
			return bal.Total, nil
		},
		Snapshot: func(positions []*domain.Position) {
			if err := persist.SavePositions(s.cfg.DataDir, acc.ID, positions); err != nil {
				log.Printf("⚠️ supervisor: snapshot positions for %s: %v", acc.ID, err)
			}
		},
	}
	if !acc.CopyTradeFollower {
		cfg.Candles = candleSourceFor(adapter)
		// Symbols are resolved once by Supervisor.Run, before the loops
		// start, since GetProducts needs network I/O best kept out of the
		// constructor.
	}
	return accountloop.New(cfg)
}

// candleSourceFor adapts one broker.Adapter into the three-timeframe
// accountloop.CandleSource the strategy package's Input needs.
func candleSourceFor(adapter broker.Adapter) accountloop.CandleSource {
	return func(ctx context.Context, symbol string) (strategy.Input, error) {
		base, err := adapter.GetCandles(ctx, symbol, candleTimeframes.Base, candlesPerSeries)
		if err != nil {
			return strategy.Input{}, err
		}
		mid, err := adapter.GetCandles(ctx, symbol, candleTimeframes.Mid, candlesPerSeries)
		if err != nil {
			return strategy.Input{}, err
		}
		high, err := adapter.GetCandles(ctx, symbol, candleTimeframes.High, candlesPerSeries)
		if err != nil {
			return strategy.Input{}, err
		}
		return strategy.Input{
			Symbol: symbol,
			Base:   strategy.Series{Timeframe: candleTimeframes.Base, Candles: base},
			Mid:    strategy.Series{Timeframe: candleTimeframes.Mid, Candles: mid},
			High:   strategy.Series{Timeframe: candleTimeframes.High, Candles: high},
		}, nil
	}
}

// equityLookup backs CopyTradeBus's EquityLookup by consulting the
// follower's own broker adapter.
func (s *Supervisor) equityLookup(accountID string) (float64, error) {
	s.mu.RLock()
	st, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("supervisor: unknown account %s", accountID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bal, err := st.broker.GetBalance(ctx, "USD")
	if err != nil {
		return 0, err
	}
	return bal.Total, nil
}

// Run resolves each non-follower account's tradable symbol universe,
// starts every AccountLoop, the copy-trade fill consumer, and the
// ForcedCleanup schedulers, then blocks until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.RLock()
	states := make([]*accountState, 0, len(s.accounts))
	for _, st := range s.accounts {
		states = append(states, st)
	}
	s.mu.RUnlock()

	for _, st := range states {
		if !st.account.CopyTradeFollower {
			if syms, err := st.broker.GetProducts(ctx); err == nil {
				setLoopSymbols(st.loop, syms)
			} else {
				log.Printf("⚠️ supervisor: get_products for %s: %v", st.account.ID, err)
			}
		}
	}

	mon := &monitor.Monitor{Bus: s.Events, AlertFn: func(msg string) { _ = monitor.LogAlertSink{}.Send(msg) }}
	mon.Start(ctx)

	copyOrdersCh, unsubCopy := s.Events.Subscribe(events.EventCopyTrade, 64)
	defer unsubCopy()
	s.wg.Add(1)
	go s.consumeCopyTrades(ctx, copyOrdersCh)

	fillsCh, unsubFills := s.Events.Subscribe(events.EventOrderFilled, 256)
	defer unsubFills()
	s.wg.Add(1)
	go s.countFillsForCleanup(ctx, fillsCh)

	for _, st := range states {
		loopCtx, cancel := context.WithCancel(ctx)
		st.cancel = cancel
		s.wg.Add(1)
		go func(st *accountState) {
			defer s.wg.Done()
			if err := st.loop.Run(loopCtx); err != nil && ctx.Err() == nil {
				log.Printf("🛑 supervisor: account loop %s exited: %v", st.account.ID, err)
			}
		}(st)

		s.wg.Add(1)
		go func(st *accountState) {
			defer s.wg.Done()
			s.runCleanupSchedule(loopCtx, st)
		}(st)
	}

	<-ctx.Done()
	s.wg.Wait()
	return ctx.Err()
}

// consumeCopyTrades completes the copy-trade fan-out: it receives every
// CopyTradeBus.Fanout order and places
// it through the follower's own broker adapter, recording the resulting
// fill in the follower's own PositionTracker.
func (s *Supervisor) consumeCopyTrades(ctx context.Context, ch <-chan any) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			order, ok := payload.(copytrade.FollowerOrder)
			if !ok {
				continue
			}
			s.placeCopyOrder(ctx, order)
		}
	}
}

func (s *Supervisor) placeCopyOrder(ctx context.Context, fo copytrade.FollowerOrder) {
	s.mu.RLock()
	st, ok := s.accounts[fo.AccountID]
	s.mu.RUnlock()
	if !ok {
		log.Printf("⚠️ supervisor: copy order for unknown follower %s", fo.AccountID)
		return
	}
	if !s.State.CanTrade() {
		return
	}
	if fo.Side == domain.Sell && st.loop.Positions().Get(fo.Symbol) == nil {
		return // nothing to sell; a follower never opens a bare short
	}
	req := domain.OrderRequest{
		AccountID: fo.AccountID,
		Symbol:    fo.Symbol,
		Side:      fo.Side,
		Notional:  fo.SizeUSD,
		// master_order_id + follower_id, so a redelivered copy event hits
		// the adapter's idempotency table instead of placing twice.
		ClientID:  fmt.Sprintf("copy-%s-%s", fo.Source.MasterOrderID, fo.AccountID),
		Submitted: time.Now(),
	}
	order, err := st.broker.PlaceMarket(ctx, req)
	if err != nil {
		var ce *apexerr.ClassifiedError
		if errors.As(err, &ce) && ce.Code == apexerr.CodeCapabilityUnsupported {
			return
		}
		log.Printf("⚠️ supervisor: copy order failed for %s %s: %v", fo.AccountID, fo.Symbol, err)
		return
	}
	price, qty := fo.SizeUSD, order.FilledQty()
	if fp := order.AvgFillPrice(); fp > 0 {
		price = fp
	}
	if qty <= 0 && price > 0 {
		qty = fo.SizeUSD / price
	}
	side := domain.Long
	if fo.Side == domain.Sell {
		side = domain.Short
	}
	st.loop.Positions().TrackEntry(fo.Symbol, side, price, qty, time.Now())
	s.Events.Publish(events.EventOrderFilled, order)
	if s.Metrics != nil {
		s.Metrics.IncrementOrders()
		s.Metrics.IncrementCopyTrades()
	}
}

// countFillsForCleanup is the single place fills are journaled and audited:
// besides driving the trade-count ForcedCleanup trigger, it journals the
// fill and mirrors it into the queryable
// audit table (pkg/db), so a fill is recorded exactly once regardless of
// which code path produced it (entry, exit, or copy-trade).
func (s *Supervisor) countFillsForCleanup(ctx context.Context, ch <-chan any) {
	defer s.wg.Done()
	n := s.cfg.ForcedCleanupAfterNTrades
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			order, ok := payload.(domain.Order)
			if !ok {
				continue
			}

			s.mu.Lock()
			for id, st := range s.accounts {
				// Best effort: attribute the fill to every account sharing
				// this client-id prefix is unnecessary since ClientID
				// already embeds the account id.
				if !strings.Contains(order.ClientID, id) {
					continue
				}
				s.recordFill(id, order)
				if n <= 0 {
					continue
				}
				s.fillCounts[id]++
				if s.fillCounts[id] >= n {
					s.fillCounts[id] = 0
					go s.runCleanupOnce(ctx, st, cleanup.TriggerTradeCount)
				}
			}
			s.mu.Unlock()
		}
	}
}

// recordFill appends the fill to the crash-safe journal and, best effort,
// mirrors it into the queryable audit table. Called with s.mu held.
func (s *Supervisor) recordFill(accountID string, order domain.Order) {
	price, qty := order.AvgFillPrice(), order.FilledQty()
	if err := s.Journal.Append(persist.JournalEntry{
		Kind:      "FILL",
		AccountID: accountID,
		Symbol:    order.Symbol,
		Detail: map[string]any{
			"client_id":       order.ClientID,
			"broker_order_id": order.BrokerOrderID,
			"side":            order.Side,
			"price":           price,
			"qty":             qty,
			"fees":            order.Fees,
		},
	}); err != nil {
		log.Printf("⚠️ supervisor: journal fill for %s: %v", accountID, err)
	}
	if s.dbQueries == nil {
		return
	}
	if err := s.dbQueries.RecordTrade(db.Trade{
		ID:        order.ClientID,
		AccountID: accountID,
		Symbol:    order.Symbol,
		Side:      string(order.Side),
		Price:     price,
		Qty:       qty,
		Fee:       order.Fees,
	}); err != nil {
		log.Printf("⚠️ supervisor: audit fill for %s: %v", accountID, err)
	}
}

// runCleanupSchedule runs ForcedCleanup once at startup and then on
// cfg.ForcedCleanupInterval cycles.
func (s *Supervisor) runCleanupSchedule(ctx context.Context, st *accountState) {
	s.runCleanupOnce(ctx, st, cleanup.TriggerStartup)

	interval := s.cfg.CycleInterval * time.Duration(s.cfg.ForcedCleanupInterval)
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanupOnce(ctx, st, cleanup.TriggerScheduled)
		}
	}
}

func (s *Supervisor) runCleanupOnce(ctx context.Context, st *accountState, trigger cleanup.Trigger) {
	tracker := st.loop.Positions()
	priceOf := func(symbol string) (float64, error) {
		return st.broker.GetCurrentPrice(ctx, symbol)
	}
	entryOf := func(symbol string) (float64, bool) {
		p := tracker.Get(symbol)
		if p == nil {
			return 0, false
		}
		return p.EntryPrice, true
	}
	enforcer := cleanup.New(st.account.ID, st.broker, priceOf, entryOf, domain.DefaultCapConfig(), cleanup.DefaultBudget())
	report, err := enforcer.Run(ctx, trigger)
	if err != nil {
		log.Printf("⚠️ supervisor: cleanup run for %s: %v", st.account.ID, err)
		return
	}
	if err := s.Journal.Append(persist.JournalEntry{
		At:        time.Now(),
		Kind:      "FORCED_CLEANUP",
		AccountID: st.account.ID,
		Detail:    report,
	}); err != nil {
		log.Printf("⚠️ supervisor: journal cleanup report for %s: %v", st.account.ID, err)
	}
	if s.Metrics != nil {
		s.Metrics.IncrementCleanupRuns()
	}
	if report.SafetyViolation {
		s.Events.Publish(events.EventSafetyViolation,
			fmt.Sprintf("account %s: open position count still above cap after cleanup run", st.account.ID))
	}
}

func setLoopSymbols(loop *accountloop.Loop, symbols []string) {
	loop.SetSymbols(symbols)
}

// Shutdown cancels every running account loop and closes the journal. It
// does not block; callers should cancel the context passed to Run and
// then call Shutdown once Run returns.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.accounts {
		if st.cancel != nil {
			st.cancel()
		}
	}
	if s.Journal != nil {
		_ = s.Journal.Close()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
}

// Accounts returns every known account in stable ID order.
func (s *Supervisor) Accounts() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, st := range s.accounts {
		out = append(out, st.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Positions returns accountID's currently open positions.
func (s *Supervisor) Positions(accountID string) ([]*domain.Position, error) {
	s.mu.RLock()
	st, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown account %s", accountID)
	}
	return st.loop.Positions().All(), nil
}

// PnL returns accountID's aggregate open PnL in USD, priced at each
// position's last-known current price via its broker adapter.
func (s *Supervisor) PnL(ctx context.Context, accountID string) (float64, error) {
	s.mu.RLock()
	st, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("supervisor: unknown account %s", accountID)
	}
	var total float64
	for _, p := range st.loop.Positions().All() {
		price, err := st.broker.GetCurrentPrice(ctx, p.Symbol)
		if err != nil {
			continue
		}
		_, usd := p.PnL(price)
		total += usd
	}
	return total, nil
}

// Trades returns the last n journal entries for accountID (0 means no
// limit beyond the journal's own Tail cap).
func (s *Supervisor) Trades(accountID string, n int) ([]persist.JournalEntry, error) {
	entries, err := s.Journal.Tail(n)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return entries, nil
	}
	out := entries[:0]
	for _, e := range entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Pause suspends new entries for one account.
func (s *Supervisor) Pause(accountID string) error {
	s.mu.RLock()
	st, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown account %s", accountID)
	}
	st.loop.Pause()
	return nil
}

// Resume clears a prior Pause for one account.
func (s *Supervisor) Resume(accountID string) error {
	s.mu.RLock()
	st, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown account %s", accountID)
	}
	st.loop.Resume()
	return nil
}

// KillSwitch latches EMERGENCY_STOP engine-wide.
func (s *Supervisor) KillSwitch(reason string) error {
	return s.State.Kill(reason)
}
