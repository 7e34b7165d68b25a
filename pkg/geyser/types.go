package geyser

// ReplicaAccountInfo is the raw account payload handed over by the host.
// Byte slices are only valid for the duration of the callback.
type ReplicaAccountInfo struct {
	Pubkey       []byte
	Owner        []byte
	Lamports     uint64
	Data         []byte
	Executable   bool
	RentEpoch    uint64
	WriteVersion uint64
	TxnSignature []byte // nil when the update is not tied to a transaction
}

// CompiledInstruction mirrors one instruction of a transaction message.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// ReplicaTransactionInfo is the raw transaction payload handed over by the host.
type ReplicaTransactionInfo struct {
	Signature            []byte
	Index                uint64
	IsVote               bool
	Err                  string // empty on success
	Fee                  uint64
	PreBalances          []uint64
	PostBalances         []uint64
	LogMessages          []string
	Instructions         []CompiledInstruction
	AccountKeys          [][]byte
	ComputeUnitsConsumed *uint64
}

// Reward mirrors one block reward entry.
type Reward struct {
	Pubkey      string // base58
	Lamports    int64
	PostBalance uint64
	RewardType  string
	Commission  *uint8
}

// ReplicaBlockInfo is the raw block metadata payload handed over by the host.
type ReplicaBlockInfo struct {
	Slot                     uint64
	Blockhash                string // base58
	ParentSlot               uint64
	ParentBlockhash          string // base58
	BlockTime                *int64
	BlockHeight              *uint64
	Rewards                  []Reward
	ExecutedTransactionCount uint64
}
