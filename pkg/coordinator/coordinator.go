package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/storagehub-net/storagehub/pkg/chain"
	"github.com/storagehub-net/storagehub/pkg/filestore"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/log"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/runtime"
	"github.com/storagehub-net/storagehub/pkg/transfer"
	"github.com/storagehub-net/storagehub/pkg/txmgr"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// PeerAddr locates a peer's transfer endpoint.
type PeerAddr struct {
	PeerID string
	Addr   string
}

// Indexer resolves which peers hold replicas of a file. It is an external
// service; when unavailable, recovery is skipped with a diagnostic.
type Indexer interface {
	ProvidersFor(ctx context.Context, fileKey types.FileKey) ([]PeerAddr, error)
}

// Config holds configuration for creating a Coordinator
type Config struct {
	Role       types.ProviderKind
	ProviderID types.ProviderID
	Account    types.AccountID
	DataDir    string
	PeerID     string
	ListenAddr string

	// Peers is the static address book resolving peer ids to transfer
	// endpoints.
	Peers map[string]string

	// ChargingPeriod is how many finalized ticks pass between payment
	// charges.
	ChargingPeriod types.Tick

	// MaxProofRetries caps resubmission after retryable dispatch errors.
	MaxProofRetries int

	TransferTimeout time.Duration
	TransferWindow  uint64
}

// Coordinator is the off-chain provider client: a single-writer, event-
// driven process reacting to block imports, finality, and transaction
// outcomes. All shared state (the local forest mirror, the journal, the
// work queues) is confined to the run loop; worker goroutines communicate
// through typed channels.
type Coordinator struct {
	cfg   *Config
	chain chain.Client
	txs   *txmgr.Manager
	files *filestore.Store
	nodes *forest.BoltNodeStore

	// forest mirrors the provider's on-chain root; bucketRoots mirrors the
	// MSP's bucket sub-forests. Mutated only by the run loop.
	forest      *forest.Forest
	bucketRoots map[types.BucketID]types.Root

	// journal records per-block forest roots for reorg rewind; side holds
	// non-best imports until a reorg makes them best.
	journal   []journalEntry
	side      map[types.Hash]chain.BlockImported
	snapshots *lru.Cache[types.Hash, types.Root]

	// volunteerQueue holds (file key → earliest tick) for BSP volunteering;
	// confirmQueue tracks pending confirms and their proof-rebuild attempts
	// per file.
	volunteerQueue map[types.FileKey]types.Tick
	confirmQueue   map[types.FileKey]*confirmJob

	transferSrv *transfer.Server
	transferCli *transfer.Client
	indexer     Indexer

	// transferDone delivers finished downloads back to the run loop.
	transferDone chan transferResult

	lastChargedTick types.Tick
	lastProofTick   types.Tick

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

type journalEntry struct {
	hash     types.Hash
	parent   types.Hash
	tick     types.Tick
	prevRoot types.Root
	newRoot  types.Root
	prevBucketRoots map[types.BucketID]types.Root
}

type confirmJob struct {
	fileKey types.FileKey
	retries int
	waiting bool
}

type transferResult struct {
	fileKey types.FileKey
	err     error
}

// New wires a coordinator over its stores. The caller remains responsible
// for the chain client and transaction manager lifecycles.
func New(cfg *Config, chainClient chain.Client, txs *txmgr.Manager, files *filestore.Store, nodes *forest.BoltNodeStore, indexer Indexer) (*Coordinator, error) {
	if cfg.ChargingPeriod == 0 {
		cfg.ChargingPeriod = 10
	}
	if cfg.MaxProofRetries == 0 {
		cfg.MaxProofRetries = 3
	}
	snapshots, err := lru.New[types.Hash, types.Root](256)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:            cfg,
		chain:          chainClient,
		txs:            txs,
		files:          files,
		nodes:          nodes,
		forest:         forest.New(nodes),
		bucketRoots:    make(map[types.BucketID]types.Root),
		side:           make(map[types.Hash]chain.BlockImported),
		snapshots:      snapshots,
		volunteerQueue: make(map[types.FileKey]types.Tick),
		confirmQueue:   make(map[types.FileKey]*confirmJob),
		transferDone:   make(chan transferResult, 16),
		indexer:        indexer,
		transferCli:    transfer.NewClient(cfg.PeerID, cfg.TransferTimeout, cfg.TransferWindow),
		stopCh:         make(chan struct{}),
		logger:         log.WithComponent("coordinator"),
	}
	if cfg.ListenAddr != "" {
		c.transferSrv = transfer.NewServer(cfg.ListenAddr, files)
	}

	// The local forest resumes at the provider's current on-chain root; the
	// nodes backing it were written by this coordinator's own past
	// applications and survive restarts.
	provider, err := chainClient.ProviderAt(context.Background(), cfg.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("read provider record: %w", err)
	}
	if provider != nil {
		c.forest.SetRoot(provider.Root)
	}
	return c, nil
}

// Forest exposes the local mirror for inspection.
func (c *Coordinator) Forest() *forest.Forest {
	return c.forest
}

// SnapshotAt opens a read-only forest view at the root the mirror held when
// the given block was applied. Proof assemblers read these snapshots while
// the run loop keeps mutating the live mirror.
func (c *Coordinator) SnapshotAt(blockHash types.Hash) (*forest.Forest, bool) {
	root, ok := c.snapshots.Get(blockHash)
	if !ok {
		return nil, false
	}
	return forest.NewAt(c.nodes, root), true
}

// TransferServer exposes the transfer server, if configured.
func (c *Coordinator) TransferServer() *transfer.Server {
	return c.transferSrv
}

// Start launches the transfer server, runs file recovery, and starts the
// event loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.transferSrv != nil {
		if err := c.transferSrv.Start(); err != nil {
			return err
		}
	}

	report := c.RunRecovery(ctx)
	c.logger.Info().
		Int("recovered", report.Recovered).
		Int("failed", report.Failed).
		Int("panicked", report.Panicked).
		Int("total", report.Total).
		Bool("skipped", report.Skipped).
		Msg("File recovery finished")

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop terminates the event loop and the transfer server.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	if c.transferSrv != nil {
		c.transferSrv.Stop()
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	imported, cancelImported := c.chain.SubscribeImported()
	defer cancelImported()
	finalized, cancelFinalized := c.chain.SubscribeFinalized()
	defer cancelFinalized()

	c.logger.Info().
		Str("provider_id", types.Hash(c.cfg.ProviderID).HexString()).
		Str("role", string(c.cfg.Role)).
		Msg("Coordinator started")

	for {
		select {
		case <-c.stopCh:
			c.logger.Info().Msg("Coordinator stopped")
			return

		case n, ok := <-imported:
			if !ok {
				c.logger.Error().Msg("Block import stream closed")
				return
			}
			c.HandleImported(n)

		case fin, ok := <-finalized:
			if !ok {
				c.logger.Error().Msg("Finality stream closed")
				return
			}
			c.HandleFinalized(fin)

		case res := <-c.txs.Results():
			c.handleTxResult(res)

		case tr := <-c.transferDone:
			c.handleTransferDone(tr)
		}
	}
}

// HandleFinalized reacts to finality: payment charging is deferred until
// finalization so a reorged-out size change can never have been charged.
func (c *Coordinator) HandleFinalized(fin chain.BlockFinalized) {
	metrics.FinalizedTick.Set(float64(fin.Tick))
	if fin.Tick < c.lastChargedTick+c.cfg.ChargingPeriod {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users, err := c.chain.StreamUsersAt(ctx, c.cfg.ProviderID)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list stream users")
		return
	}
	if len(users) == 0 {
		c.lastChargedTick = fin.Tick
		return
	}
	params, err := c.chain.ParamsAt(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read params")
		return
	}
	if uint32(len(users)) > params.MaxUsersToCharge {
		users = users[:params.MaxUsersToCharge]
	}
	call, err := types.NewCall(types.OpChargePaymentStreams, &runtime.ChargePaymentStreamsCall{Users: users})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build charge call")
		return
	}
	if _, err := c.txs.Submit(call, 0); err != nil {
		c.logger.Error().Err(err).Msg("Failed to submit charge")
		return
	}
	c.lastChargedTick = fin.Tick
	metrics.UsersChargedTotal.Add(float64(len(users)))
}
