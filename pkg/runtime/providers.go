package runtime

import (
	"fmt"

	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// providerID derives a provider id from its controlling account and kind.
func providerID(account types.AccountID, kind types.ProviderKind) types.ProviderID {
	return types.ProviderID(types.Hashed(append([]byte("provider:"+string(kind)+":"), account[:]...)))
}

// ProviderIDFor derives the provider id a sign-up by this account and kind
// produces. Off-chain clients use it to find their own record.
func ProviderIDFor(account types.AccountID, kind types.ProviderKind) types.ProviderID {
	return providerID(account, kind)
}

// signUpDeposit is the stake a provider must lock for a given capacity.
func signUpDeposit(params *types.Params, capacity types.StorageDataUnit) types.Balance {
	perData := types.Balance(uint64(capacity) / uint64(params.SpMinCapacity) * uint64(params.DepositPerData))
	return params.SpMinDeposit + perData
}

func (c *callContext) signUpProvider(kind types.ProviderKind, capacity types.StorageDataUnit, deposit types.Balance, peerID string, valueProps []types.ValueProposition) ([]types.Event, error) {
	if capacity < c.params.SpMinCapacity {
		return nil, types.ErrInsufficientCapacity
	}
	required := signUpDeposit(c.params, capacity)
	if deposit < required {
		return nil, types.ErrInsufficientDeposit
	}
	id := providerID(c.signer, kind)
	existing, err := c.store().GetProvider(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("provider already signed up")
	}
	if err := c.hold(c.signer, deposit); err != nil {
		return nil, err
	}

	provider := &types.Provider{
		ID:               id,
		Kind:             kind,
		Account:          c.signer,
		Capacity:         capacity,
		Root:             forest.EmptyRoot,
		ReputationWeight: c.params.StartingReputationWeight,
		Stake:            deposit,
		SignUpTick:       c.tick,
		ValueProps:       valueProps,
		PeerID:           peerID,
	}
	if err := c.store().PutProvider(provider); err != nil {
		return nil, err
	}

	ev := c.event(types.EventProviderSignedUp)
	ev.Provider = &provider.ID
	ev.Account = &c.signer
	ev.Amount = deposit
	return []types.Event{ev}, nil
}

func (c *callContext) mspSignUp(call *MspSignUpCall) ([]types.Event, error) {
	if len(call.ValueProps) == 0 {
		return nil, fmt.Errorf("msp needs at least one value proposition")
	}
	return c.signUpProvider(types.ProviderMSP, call.Capacity, call.Deposit, call.PeerID, call.ValueProps)
}

func (c *callContext) bspSignUp(call *BspSignUpCall) ([]types.Event, error) {
	return c.signUpProvider(types.ProviderBSP, call.Capacity, call.Deposit, call.PeerID, nil)
}

// providerSignOff deregisters a provider once its forest is empty, handing
// the stake back.
func (c *callContext) providerSignOff(call *ProviderSignOffCall) ([]types.Event, error) {
	provider, err := c.providerBySigner(call.Kind)
	if err != nil {
		return nil, err
	}
	if provider.Root != forest.EmptyRoot || provider.Used != 0 {
		return nil, fmt.Errorf("provider still stores data")
	}
	if err := c.store().DeleteProvider(provider.ID); err != nil {
		return nil, err
	}
	if err := c.release(provider.Account, provider.Stake, 0); err != nil {
		return nil, err
	}
	c.runtime.ledger.Remove(provider.ID)

	ev := c.event(types.EventProviderSignedOff)
	ev.Provider = &provider.ID
	ev.Account = &provider.Account
	ev.Amount = provider.Stake
	return []types.Event{ev}, nil
}

func (c *callContext) setParams(call *SetParamsCall) ([]types.Event, error) {
	if c.signer != GovernanceAccount {
		return nil, fmt.Errorf("set_params requires the governance origin")
	}
	if call.Params == nil {
		return nil, fmt.Errorf("missing params")
	}
	if err := c.store().SetParams(call.Params); err != nil {
		return nil, err
	}
	return []types.Event{c.event(types.EventParamsUpdated)}, nil
}

func (c *callContext) queuePriorityChallenge(call *QueuePriorityChallengeCall) ([]types.Event, error) {
	if c.signer != GovernanceAccount {
		return nil, fmt.Errorf("queue_priority_challenge requires the governance origin")
	}
	cc := &types.CheckpointChallenge{Key: call.Key}
	if call.ShouldRemove {
		cc.Mutation = &types.TrieRemoveMutation{Key: call.Key}
	}
	return nil, c.store().AppendCheckpointChallenge(cc)
}

// slashAmount scales the slash by how much data the provider claims to hold.
func slashAmount(params *types.Params, provider *types.Provider) types.Balance {
	units := uint64(provider.Used) / uint64(params.MaxFileSize)
	if units == 0 {
		units = 1
	}
	return types.Balance(units * uint64(params.SlashAmountPerMaxFileSize))
}
