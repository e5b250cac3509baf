package types

// Params is the governance-settable runtime parameter table. A single copy
// lives in runtime state and is mutated only by the governance extrinsic;
// reads are versioned with the rest of the state by block hash.
type Params struct {
	MaxReplicationTarget     uint32 `json:"max_replication_target"`
	DefaultReplicationTarget uint32 `json:"default_replication_target"`
	TickRangeToMaxThreshold  Tick   `json:"tick_range_to_maximum_threshold"`

	StorageRequestTtl             Tick    `json:"storage_request_ttl"`
	StorageRequestCreationDeposit Balance `json:"storage_request_creation_deposit"`
	StorageRequestExpiryPenalty   Balance `json:"storage_request_expiry_penalty"`

	BspStopStoringFilePenalty Balance `json:"bsp_stop_storing_file_penalty"`
	MinWaitForStopStoring     Tick    `json:"min_wait_for_stop_storing"`

	MinChallengePeriod          Tick    `json:"min_challenge_period"`
	CheckpointChallengePeriod   Tick    `json:"checkpoint_challenge_period"`
	ChallengeTicksTolerance     Tick    `json:"challenge_ticks_tolerance"`
	RandomChallengesPerBlock    uint32  `json:"random_challenges_per_block"`
	MaxCustomChallengesPerBlock uint32  `json:"max_custom_challenges_per_block"`
	BlockFullnessPeriod         uint32  `json:"block_fullness_period"`
	MinNotFullBlocksRatio       float64 `json:"min_not_full_blocks_ratio"`
	StakeToChallengePeriod      Balance `json:"stake_to_challenge_period"`
	MaxSlashableProvidersPerTick uint32 `json:"max_slashable_providers_per_tick"`

	MaxBatchConfirmStorageRequests    uint32 `json:"max_batch_confirm_storage_requests"`
	MaxBatchMspRespondStorageRequests uint32 `json:"max_batch_msp_respond_storage_requests"`

	MaxUsersToCharge        uint32  `json:"max_users_to_charge"`
	DynamicPricePerGigaUnitTick Balance `json:"dynamic_price_per_giga_unit_per_tick"`
	NewStreamDeposit        Tick    `json:"new_stream_deposit"`
	BaseDeposit             Balance `json:"base_deposit"`
	ZeroSizeBucketFixedRate Balance `json:"zero_size_bucket_fixed_rate"`
	UserWithoutFundsCooldown Tick   `json:"user_without_funds_cooldown"`

	SlashAmountPerMaxFileSize Balance         `json:"slash_amount_per_max_file_size"`
	MaxFileSize               StorageDataUnit `json:"max_file_size"`
	SpMinDeposit              Balance         `json:"sp_min_deposit"`
	SpMinCapacity             StorageDataUnit `json:"sp_min_capacity"`
	DepositPerData            Balance         `json:"deposit_per_data"`

	StartingReputationWeight uint32 `json:"starting_reputation_weight"`
}

// DefaultParams returns the parameter table used by the devnet genesis.
func DefaultParams() *Params {
	return &Params{
		MaxReplicationTarget:     15,
		DefaultReplicationTarget: 3,
		TickRangeToMaxThreshold:  100,

		StorageRequestTtl:             40,
		StorageRequestCreationDeposit: 100,
		StorageRequestExpiryPenalty:   10,

		BspStopStoringFilePenalty: 50,
		MinWaitForStopStoring:     20,

		MinChallengePeriod:           4,
		CheckpointChallengePeriod:    20,
		ChallengeTicksTolerance:      8,
		RandomChallengesPerBlock:     4,
		MaxCustomChallengesPerBlock:  10,
		BlockFullnessPeriod:          10,
		MinNotFullBlocksRatio:        0.5,
		StakeToChallengePeriod:       100_000,
		MaxSlashableProvidersPerTick: 10,

		MaxBatchConfirmStorageRequests:    10,
		MaxBatchMspRespondStorageRequests: 10,

		MaxUsersToCharge:            20,
		DynamicPricePerGigaUnitTick: 100,
		NewStreamDeposit:         10,
		BaseDeposit:              5,
		ZeroSizeBucketFixedRate:  1,
		UserWithoutFundsCooldown: 50,

		SlashAmountPerMaxFileSize: 20,
		MaxFileSize:               1 << 30,
		SpMinDeposit:              100,
		SpMinCapacity:             1 << 20,
		DepositPerData:            2,

		StartingReputationWeight: 1,
	}
}
