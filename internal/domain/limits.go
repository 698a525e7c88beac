package domain

const (
	MaxMessageTokens      = 1536
	MemoTargetTokens      = 576
	MergeInputTokens      = 1152
	FullTokensRateLimited = 2560
	FullTokensHosted      = 2048
	InheritCeilingTokens  = 4096
	HistoryPairTokens     = 1024
	PruneMessageTokens    = 384
)

// FullTokens is the fullness threshold of a remote conversation served by kind.
func FullTokens(kind EngineKind) int {
	if kind == EngineHosted {
		return FullTokensHosted
	}
	return FullTokensRateLimited
}
