package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/storagehub-net/storagehub/pkg/challenge"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/log"
	"github.com/storagehub-net/storagehub/pkg/storage"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// GovernanceAccount is the only signer allowed to mutate runtime params and
// queue priority challenges.
var GovernanceAccount = types.AccountID(types.Hashed([]byte("storagehub:governance")))

// Runtime executes extrinsics against the pallet state. It runs inside a
// single-threaded deterministic host: one extrinsic at a time, no
// interleaving. Events are returned to the caller, which attaches them to
// the block being built.
type Runtime struct {
	store  storage.Store
	nodes  forest.NodeStore
	ledger *challenge.DeadlineLedger
	full   *challenge.FullnessTracker
	logger zerolog.Logger
}

// New creates a runtime over the given state store and trie node store, and
// rebuilds the in-memory deadline ledger from the persisted providers.
func New(store storage.Store, nodes forest.NodeStore) (*Runtime, error) {
	params, err := store.Params()
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}
	r := &Runtime{
		store:  store,
		nodes:  nodes,
		ledger: challenge.NewDeadlineLedger(),
		full:   challenge.NewFullnessTracker(params.BlockFullnessPeriod),
		logger: log.WithComponent("runtime"),
	}
	providers, err := store.ListProviders()
	if err != nil {
		return nil, fmt.Errorf("rebuild deadline ledger: %w", err)
	}
	for _, p := range providers {
		// A zero deadline means the provider has not stored anything yet
		// and is not in the proving rotation.
		if p.NextChallengeDeadline > 0 {
			r.ledger.Set(p.ID, p.NextChallengeDeadline)
		}
	}
	return r, nil
}

// GenesisAccount seeds one account balance at genesis.
type GenesisAccount struct {
	ID   types.AccountID
	Free types.Balance
}

// InitGenesis writes the parameter table and initial balances. Calling it on
// an initialised store is an error.
func InitGenesis(store storage.Store, params *types.Params, accounts []GenesisAccount) error {
	if params == nil {
		params = types.DefaultParams()
	}
	if err := store.SetParams(params); err != nil {
		return err
	}
	for _, a := range accounts {
		if err := store.PutAccount(&types.Account{ID: a.ID, Free: a.Free}); err != nil {
			return err
		}
	}
	return nil
}

// Store exposes the underlying state store for read queries.
func (r *Runtime) Store() storage.Store {
	return r.store
}

// Nodes exposes the trie node store backing provider and bucket forests.
func (r *Runtime) Nodes() forest.NodeStore {
	return r.nodes
}

// Apply executes one extrinsic at the given tick and returns the events it
// emitted. A returned error means the extrinsic failed; every handler
// validates fully before writing so a failed call leaves no state change.
func (r *Runtime) Apply(ext *types.Extrinsic, tick types.Tick) ([]types.Event, error) {
	params, err := r.store.Params()
	if err != nil {
		return nil, err
	}
	ctx := &callContext{
		runtime: r,
		params:  params,
		signer:  ext.Signer,
		tick:    tick,
	}

	switch ext.Call.Op {
	case types.OpCreateBucket:
		var call CreateBucketCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.createBucket(&call)

	case types.OpUpdateBucketPrivacy:
		var call UpdateBucketPrivacyCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.updateBucketPrivacy(&call)

	case types.OpIssueStorageRequest:
		var call IssueStorageRequestCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.issueStorageRequest(&call)

	case types.OpRevokeStorageRequest:
		var call RevokeStorageRequestCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.revokeStorageRequest(&call)

	case types.OpMspRespondStorageRequests:
		var call MspRespondCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.mspRespond(&call)

	case types.OpBspVolunteer:
		var call BspVolunteerCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.bspVolunteer(&call)

	case types.OpBspConfirmStoring:
		var call BspConfirmCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.bspConfirmStoring(&call)

	case types.OpBspRequestStopStoring:
		var call BspRequestStopStoringCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.bspRequestStopStoring(&call)

	case types.OpBspConfirmStopStoring:
		var call BspConfirmStopStoringCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.bspConfirmStopStoring(&call)

	case types.OpSubmitProof:
		var call SubmitProofCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.submitProof(&call)

	case types.OpRequestDeleteFile:
		var call RequestDeleteFileCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.requestDeleteFile(&call)

	case types.OpDeleteFiles:
		var call DeleteFilesCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.deleteFiles(&call)

	case types.OpChargePaymentStreams:
		var call ChargePaymentStreamsCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.chargePaymentStreams(&call)

	case types.OpClearInsolventFlag:
		return ctx.clearInsolventFlag()

	case types.OpMspSignUp:
		var call MspSignUpCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.mspSignUp(&call)

	case types.OpBspSignUp:
		var call BspSignUpCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.bspSignUp(&call)

	case types.OpProviderSignOff:
		var call ProviderSignOffCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.providerSignOff(&call)

	case types.OpSetParams:
		var call SetParamsCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.setParams(&call)

	case types.OpQueuePriorityChallenge:
		var call QueuePriorityChallengeCall
		if err := json.Unmarshal(ext.Call.Data, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		return ctx.queuePriorityChallenge(&call)

	case types.OpRemark:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown call: %s", ext.Call.Op)
	}
}

// callContext carries the per-extrinsic environment through the handlers.
type callContext struct {
	runtime *Runtime
	params  *types.Params
	signer  types.AccountID
	tick    types.Tick
}

func (c *callContext) store() storage.Store {
	return c.runtime.store
}

// forestAt opens a trie view at the given root over the shared node store.
func (c *callContext) forestAt(root types.Root) *forest.Forest {
	return forest.NewAt(c.runtime.nodes, root)
}

// providerBySigner resolves the signer account to its provider record of
// the given kind.
func (c *callContext) providerBySigner(kind types.ProviderKind) (*types.Provider, error) {
	providers, err := c.store().ListProviders()
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.Account == c.signer && p.Kind == kind {
			return p, nil
		}
	}
	return nil, types.ErrUnknownProvider
}

func (c *callContext) account(id types.AccountID) (*types.Account, error) {
	acct, err := c.store().GetAccount(id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &types.Account{ID: id}
	}
	return acct, nil
}

// hold moves amount from free to held, failing without state change if the
// free balance is short.
func (c *callContext) hold(id types.AccountID, amount types.Balance) error {
	acct, err := c.account(id)
	if err != nil {
		return err
	}
	if acct.Free < amount {
		return types.ErrInsufficientDeposit
	}
	acct.Free -= amount
	acct.Held += amount
	return c.store().PutAccount(acct)
}

// release returns amount from held to free, burning penalty out of it.
func (c *callContext) release(id types.AccountID, amount, penalty types.Balance) error {
	acct, err := c.account(id)
	if err != nil {
		return err
	}
	if amount > acct.Held {
		amount = acct.Held
	}
	acct.Held -= amount
	if penalty > amount {
		penalty = amount
	}
	acct.Free += amount - penalty
	return c.store().PutAccount(acct)
}

func (c *callContext) event(kind types.EventKind) types.Event {
	return types.Event{Kind: kind, Tick: c.tick}
}
