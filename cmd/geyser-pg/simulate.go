package main

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"time"

	"geyser-indexer-go/internal/engine"
	"geyser-indexer-go/pkg/geyser"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

type simulateFlags struct {
	slots           uint64
	startSlot       uint64
	accountsPerSlot int
	txsPerSlot      int
	startupAccounts int
	keys            int
	deadEvery       uint64
	rate            float64
	metricsAddr     string
	seed            uint64
}

func newSimulateCmd(flags *rootFlags) *cobra.Command {
	sf := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Load the plugin and feed it a synthetic validator stream",
		Long: "Simulate plays the host: it loads the plugin with the given config, replays a startup " +
			"snapshot, then produces slots with account updates, transactions, slot status changes " +
			"and block metadata at a bounded rate. Ctrl-C stops the stream and unloads the plugin.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if sf.metricsAddr != "" {
				cfg.MetricsAddr = sf.metricsAddr
			}
			ctx, cancel := signalContext()
			defer cancel()

			p := engine.New(engine.Options{})
			if err := p.LoadConfig(ctx, cfg); err != nil {
				return err
			}

			sim := newSimulator(p, sf, log)
			runErr := sim.run(ctx)
			report := p.Unload()
			sim.log.Info().
				Uint64("accepted", sim.accepted).
				Uint64("backpressured", sim.backpressured).
				Uint64("rejected", sim.rejected).
				Msg("simulation_finished")
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Uint64Var(&sf.slots, "slots", 100, "slots to produce, 0 runs until interrupted")
	f.Uint64Var(&sf.startSlot, "start-slot", 1, "first slot number")
	f.IntVar(&sf.accountsPerSlot, "accounts-per-slot", 200, "account updates per slot")
	f.IntVar(&sf.txsPerSlot, "txs-per-slot", 50, "transactions per slot")
	f.IntVar(&sf.startupAccounts, "startup-accounts", 1000, "accounts replayed before end of startup")
	f.IntVar(&sf.keys, "keys", 512, "distinct account keys")
	f.Uint64Var(&sf.deadEvery, "dead-every", 50, "mark every nth slot dead, 0 disables")
	f.Float64Var(&sf.rate, "rate", 10000, "notifications per second")
	f.StringVar(&sf.metricsAddr, "metrics-addr", "", "override metrics_addr from the config")
	f.Uint64Var(&sf.seed, "seed", 1, "random seed")
	return cmd
}

type simulator struct {
	p       *engine.Plugin
	flags   *simulateFlags
	log     zerolog.Logger
	rng     *rand.Rand
	limiter *rate.Limiter
	keys    []solana.PublicKey
	owners  []solana.PublicKey
	version uint64

	accepted      uint64
	backpressured uint64
	rejected      uint64
}

func newSimulator(p *engine.Plugin, sf *simulateFlags, log zerolog.Logger) *simulator {
	s := &simulator{
		p:       p,
		flags:   sf,
		log:     log.With().Str("component", "simulator").Logger(),
		rng:     rand.New(rand.NewPCG(sf.seed, sf.seed^0x9e3779b97f4a7c15)),
		limiter: rate.NewLimiter(rate.Limit(sf.rate), max(1, int(sf.rate/10))),
		owners:  []solana.PublicKey{solana.SystemProgramID, solana.TokenProgramID, solana.VoteProgramID},
	}
	for i := 0; i < max(1, sf.keys); i++ {
		s.keys = append(s.keys, solana.NewWallet().PublicKey())
	}
	return s
}

func (s *simulator) run(ctx context.Context) error {
	for i := 0; i < s.flags.startupAccounts; i++ {
		if err := s.emit(ctx, func() error { return s.account(s.flags.startSlot, true) }); err != nil {
			return err
		}
	}
	if err := s.p.NotifyEndOfStartup(); err != nil {
		return err
	}

	parent := s.flags.startSlot
	for n := uint64(0); s.flags.slots == 0 || n < s.flags.slots; n++ {
		slot := s.flags.startSlot + n + 1
		if err := s.slot(ctx, slot, parent); err != nil {
			return err
		}
		if s.flags.deadEvery == 0 || slot%s.flags.deadEvery != 0 {
			parent = slot
		}
		if n > 0 && n%100 == 0 {
			s.log.Info().Uint64("slot", slot).Uint64("accepted", s.accepted).Uint64("backpressured", s.backpressured).Msg("simulation_progress")
		}
	}
	return nil
}

// slot produces one slot's worth of notifications. Dead slots still carry
// account updates, which the plugin must keep out of the store.
func (s *simulator) slot(ctx context.Context, slot, parent uint64) error {
	p := parent
	steps := []func() error{
		func() error { return s.p.UpdateSlotStatus(slot, &p, geyser.SlotStatusProcessed) },
	}
	for i := 0; i < s.flags.accountsPerSlot; i++ {
		steps = append(steps, func() error { return s.account(slot, false) })
	}
	for i := 0; i < s.flags.txsPerSlot; i++ {
		steps = append(steps, func() error { return s.transaction(slot) })
	}
	if s.flags.deadEvery != 0 && slot%s.flags.deadEvery == 0 {
		steps = append(steps, func() error { return s.p.UpdateSlotStatus(slot, nil, geyser.SlotStatusDead) })
	} else {
		steps = append(steps,
			func() error { return s.block(slot, parent) },
			func() error { return s.p.UpdateSlotStatus(slot, nil, geyser.SlotStatusConfirmed) },
			func() error { return s.p.UpdateSlotStatus(slot, nil, geyser.SlotStatusRooted) },
		)
	}
	for _, step := range steps {
		if err := s.emit(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// emit paces one notification and tallies how the plugin answered.
func (s *simulator) emit(ctx context.Context, fn func() error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		s.accepted++
	case errors.Is(err, engine.ErrBackpressure):
		s.backpressured++
	case errors.Is(err, engine.ErrNotRunning):
		return err
	default:
		s.rejected++
		s.log.Debug().Err(err).Msg("notification_rejected")
	}
	return nil
}

func (s *simulator) account(slot uint64, isStartup bool) error {
	key := s.keys[s.rng.IntN(len(s.keys))]
	owner := s.owners[s.rng.IntN(len(s.owners))]
	s.version++
	data := make([]byte, s.rng.IntN(128))
	s.fill(data)
	return s.p.UpdateAccount(geyser.ReplicaAccountInfo{
		Pubkey:       key[:],
		Owner:        owner[:],
		Lamports:     s.rng.Uint64N(1 << 40),
		Data:         data,
		WriteVersion: s.version,
	}, slot, isStartup)
}

func (s *simulator) transaction(slot uint64) error {
	sig := make([]byte, solana.SignatureLength)
	s.fill(sig)
	sig[0] |= 1
	payer := s.keys[s.rng.IntN(len(s.keys))]
	dest := s.keys[s.rng.IntN(len(s.keys))]
	isVote := s.rng.IntN(4) == 0
	program := solana.SystemProgramID
	if isVote {
		program = solana.VoteProgramID
	}
	raw := geyser.ReplicaTransactionInfo{
		Signature:    sig,
		IsVote:       isVote,
		Fee:          5000,
		PreBalances:  []uint64{1_000_000, 0, 1},
		PostBalances: []uint64{995_000, 0, 1},
		LogMessages:  []string{"Program " + program.String() + " invoke [1]", "Program " + program.String() + " success"},
		AccountKeys:  [][]byte{payer[:], dest[:], program[:]},
		Instructions: []geyser.CompiledInstruction{{ProgramIDIndex: 2, Accounts: []uint8{0, 1}, Data: []byte{2, 0, 0, 0}}},
	}
	if s.rng.IntN(20) == 0 {
		raw.Err = "InstructionError(0, Custom(1))"
	}
	return s.p.NotifyTransaction(raw, slot)
}

func (s *simulator) block(slot, parent uint64) error {
	var hash, parentHash solana.Hash
	binary.LittleEndian.PutUint64(hash[:], slot)
	binary.LittleEndian.PutUint64(parentHash[:], parent)
	hash[31], parentHash[31] = 1, 1
	blockTime := time.Now().Unix()
	height := slot
	leader := s.keys[int(slot)%len(s.keys)]
	return s.p.NotifyBlockMetadata(geyser.ReplicaBlockInfo{
		Slot:                     slot,
		Blockhash:                hash.String(),
		ParentSlot:               parent,
		ParentBlockhash:          parentHash.String(),
		BlockTime:                &blockTime,
		BlockHeight:              &height,
		Rewards:                  []geyser.Reward{{Pubkey: leader.String(), Lamports: 5000, PostBalance: 1 << 30, RewardType: "fee"}},
		ExecutedTransactionCount: uint64(s.flags.txsPerSlot),
	})
}

func (s *simulator) fill(b []byte) {
	for i := 0; i < len(b); i += 8 {
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], s.rng.Uint64())
		copy(b[i:], word[:])
	}
}
