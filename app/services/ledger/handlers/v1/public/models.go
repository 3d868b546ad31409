package public

type status struct {
	Height          uint64 `json:"height"`
	Difficulty      uint64 `json:"difficulty"`
	LatestIndex     uint64 `json:"latest_index"`
	LatestBlockHash string `json:"latest_block_hash"`
	LastAdjustment  string `json:"last_adjustment"`
	TargetBlockTime uint64 `json:"target_block_time"`
	EpochLength     uint64 `json:"epoch_length"`
	NextRetarget    uint64 `json:"next_retarget"`
}

type block struct {
	Index        uint64 `json:"index"`
	Timestamp    string `json:"timestamp"`
	Entropy      string `json:"entropy"`
	Nonce        uint64 `json:"nonce"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
}
