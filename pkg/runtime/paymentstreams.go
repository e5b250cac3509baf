package runtime

import (
	"fmt"

	"github.com/storagehub-net/storagehub/pkg/types"
)

// gigaUnit is the scaling divisor for per-giga-unit prices.
const gigaUnit = 1 << 30

// FixedRateFor computes a bucket's fixed stream rate:
// ceil(price_per_giga_unit_per_tick * bucket_size / 2^30) + ZeroSizeBucketFixedRate.
func FixedRateFor(params *types.Params, pricePerGigaUnitTick types.Balance, bucketSize uint64) types.Balance {
	scaled := (uint64(pricePerGigaUnitTick)*bucketSize + gigaUnit - 1) / gigaUnit
	return types.Balance(scaled) + params.ZeroSizeBucketFixedRate
}

// dynamicOwed computes a dynamic stream's accrued debt between two index
// readings.
func dynamicOwed(amount types.StorageDataUnit, indexNow, indexLast types.Balance) types.Balance {
	if indexNow <= indexLast {
		return 0
	}
	delta := uint64(indexNow - indexLast)
	return types.Balance(uint64(amount) * delta / gigaUnit)
}

// transfer moves owed balance from the user to the provider's account. It
// either pays in full or pays nothing and flags the user WithoutFunds.
func (c *callContext) transfer(user types.AccountID, providerAccount types.AccountID, owed types.Balance) (bool, error) {
	if owed == 0 {
		return true, nil
	}
	acct, err := c.account(user)
	if err != nil {
		return false, err
	}
	if acct.Free < owed {
		if acct.WithoutFundsSince == nil {
			since := c.tick
			acct.WithoutFundsSince = &since
			if err := c.store().PutAccount(acct); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	acct.Free -= owed
	if err := c.store().PutAccount(acct); err != nil {
		return false, err
	}
	dest, err := c.account(providerAccount)
	if err != nil {
		return false, err
	}
	dest.Free += owed
	return true, c.store().PutAccount(dest)
}

func (c *callContext) providerAccount(id types.ProviderID) (types.AccountID, error) {
	provider, err := c.store().GetProvider(id)
	if err != nil {
		return types.AccountID{}, err
	}
	if provider == nil {
		return types.AccountID{}, types.ErrUnknownProvider
	}
	return provider.Account, nil
}

// settleFixed charges a fixed stream up to the current tick. Returns the
// amount charged and whether the user could pay.
func (c *callContext) settleFixed(stream *types.FixedRateStream) (types.Balance, bool, error) {
	if c.tick <= stream.LastChargedTick {
		return 0, true, nil
	}
	owed := stream.Rate * types.Balance(uint64(c.tick-stream.LastChargedTick))
	dest, err := c.providerAccount(stream.Provider)
	if err != nil {
		return 0, false, err
	}
	paid, err := c.transfer(stream.User, dest, owed)
	if err != nil {
		return 0, false, err
	}
	if !paid {
		return 0, false, nil
	}
	stream.LastChargedTick = c.tick
	return owed, true, c.store().PutFixedStream(stream)
}

// settleDynamic charges a dynamic stream up to the current price index.
func (c *callContext) settleDynamic(stream *types.DynamicRateStream) (types.Balance, bool, error) {
	index, err := c.store().PriceIndex()
	if err != nil {
		return 0, false, err
	}
	owed := dynamicOwed(stream.AmountProvided, index, stream.PriceIndexAtLastCharge)
	dest, err := c.providerAccount(stream.Provider)
	if err != nil {
		return 0, false, err
	}
	paid, err := c.transfer(stream.User, dest, owed)
	if err != nil {
		return 0, false, err
	}
	if !paid {
		return 0, false, nil
	}
	stream.PriceIndexAtLastCharge = index
	return owed, true, c.store().PutDynamicStream(stream)
}

// openOrRerateFixedStream keeps the (MSP, bucket owner) fixed stream in step
// with the bucket's size. Accrual at the old rate settles before the rate
// changes; charging itself only moves balances when the owner can pay.
func (c *callContext) openOrRerateFixedStream(bucket *types.Bucket) error {
	if bucket.MSP == nil {
		return nil
	}
	msp, err := c.store().GetProvider(*bucket.MSP)
	if err != nil {
		return err
	}
	if msp == nil {
		return types.ErrUnknownMsp
	}
	prop := msp.ValueProp(bucket.ValueProp)
	if prop == nil {
		return fmt.Errorf("bucket references unknown value proposition")
	}
	rate := FixedRateFor(c.params, prop.PricePerGigaUnitTick, bucket.Size)

	stream, err := c.store().GetFixedStream(msp.ID, bucket.Owner)
	if err != nil {
		return err
	}
	if stream == nil {
		deposit := types.Balance(uint64(c.params.NewStreamDeposit))*rate + c.params.BaseDeposit
		if err := c.hold(bucket.Owner, deposit); err != nil {
			return err
		}
		stream = &types.FixedRateStream{
			Provider:        msp.ID,
			User:            bucket.Owner,
			Rate:            rate,
			LastChargedTick: c.tick,
			UserDeposit:     deposit,
		}
		return c.store().PutFixedStream(stream)
	}
	if stream.Rate == rate {
		return nil
	}
	if _, _, err := c.settleFixed(stream); err != nil {
		return err
	}
	stream.Rate = rate
	return c.store().PutFixedStream(stream)
}

// growDynamicStream opens or grows the (BSP, user) dynamic stream by size.
func (c *callContext) growDynamicStream(provider types.ProviderID, user types.AccountID, size types.StorageDataUnit) error {
	stream, err := c.store().GetDynamicStream(provider, user)
	if err != nil {
		return err
	}
	index, err := c.store().PriceIndex()
	if err != nil {
		return err
	}
	if stream == nil {
		deposit := c.params.BaseDeposit
		if err := c.hold(user, deposit); err != nil {
			return err
		}
		stream = &types.DynamicRateStream{
			Provider:               provider,
			User:                   user,
			AmountProvided:         size,
			PriceIndexAtLastCharge: index,
			UserDeposit:            deposit,
		}
		return c.store().PutDynamicStream(stream)
	}
	if _, _, err := c.settleDynamic(stream); err != nil {
		return err
	}
	stream.AmountProvided += size
	return c.store().PutDynamicStream(stream)
}

// shrinkDynamicStream shrinks the stream by size, closing it (and refunding
// the deposit) when nothing is provided any more.
func (c *callContext) shrinkDynamicStream(provider types.ProviderID, user types.AccountID, size types.StorageDataUnit) error {
	stream, err := c.store().GetDynamicStream(provider, user)
	if err != nil {
		return err
	}
	if stream == nil {
		return nil
	}
	if _, _, err := c.settleDynamic(stream); err != nil {
		return err
	}
	if size >= stream.AmountProvided {
		if err := c.store().DeleteDynamicStream(provider, user); err != nil {
			return err
		}
		return c.release(user, stream.UserDeposit, 0)
	}
	stream.AmountProvided -= size
	return c.store().PutDynamicStream(stream)
}

func (c *callContext) chargePaymentStreams(call *ChargePaymentStreamsCall) ([]types.Event, error) {
	if uint32(len(call.Users)) > c.params.MaxUsersToCharge {
		return nil, fmt.Errorf("batch exceeds %d users", c.params.MaxUsersToCharge)
	}
	provider, err := c.providerBySigner(types.ProviderBSP)
	if err != nil {
		if provider, err = c.providerBySigner(types.ProviderMSP); err != nil {
			return nil, err
		}
	}

	var events []types.Event
	for _, user := range call.Users {
		var charged types.Balance
		paid := true

		if fixed, err := c.store().GetFixedStream(provider.ID, user); err != nil {
			return nil, err
		} else if fixed != nil {
			amount, ok, err := c.settleFixed(fixed)
			if err != nil {
				return nil, err
			}
			charged += amount
			paid = paid && ok
		}

		if dynamic, err := c.store().GetDynamicStream(provider.ID, user); err != nil {
			return nil, err
		} else if dynamic != nil {
			amount, ok, err := c.settleDynamic(dynamic)
			if err != nil {
				return nil, err
			}
			charged += amount
			paid = paid && ok
		}

		if !paid {
			user := user
			ev := c.event(types.EventUserWithoutFunds)
			ev.Account = &user
			ev.Provider = &provider.ID
			events = append(events, ev)
			continue
		}
		if charged > 0 {
			user := user
			ev := c.event(types.EventUsersCharged)
			ev.Account = &user
			ev.Provider = &provider.ID
			ev.Amount = charged
			events = append(events, ev)
		}
	}
	return events, nil
}

func (c *callContext) clearInsolventFlag() ([]types.Event, error) {
	acct, err := c.account(c.signer)
	if err != nil {
		return nil, err
	}
	if acct.WithoutFundsSince == nil {
		return nil, fmt.Errorf("account is not flagged")
	}
	if c.tick < *acct.WithoutFundsSince+c.params.UserWithoutFundsCooldown {
		return nil, fmt.Errorf("cooldown not yet elapsed")
	}

	// Clearing the flag means settling every stream in arrears.
	fixed, err := c.store().ListFixedStreams()
	if err != nil {
		return nil, err
	}
	for _, stream := range fixed {
		if stream.User != c.signer {
			continue
		}
		if _, ok, err := c.settleFixed(stream); err != nil {
			return nil, err
		} else if !ok {
			return nil, types.ErrUserWithoutFunds
		}
	}
	dynamic, err := c.store().ListDynamicStreams()
	if err != nil {
		return nil, err
	}
	for _, stream := range dynamic {
		if stream.User != c.signer {
			continue
		}
		if _, ok, err := c.settleDynamic(stream); err != nil {
			return nil, err
		} else if !ok {
			return nil, types.ErrUserWithoutFunds
		}
	}

	acct, err = c.account(c.signer)
	if err != nil {
		return nil, err
	}
	acct.WithoutFundsSince = nil
	if err := c.store().PutAccount(acct); err != nil {
		return nil, err
	}
	ev := c.event(types.EventInsolventFlagCleared)
	ev.Account = &c.signer
	return []types.Event{ev}, nil
}
