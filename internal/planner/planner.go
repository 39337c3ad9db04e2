package planner

import (
	"errors"
	"fmt"
)

// MaxChunks is the hard limit on slice count the remote assembly API accepts
// for a single upload session.
const MaxChunks = 1024

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

var (
	ErrFileTooLarge = errors.New("file exceeds the account tier size limit")
	ErrUnknownTier  = errors.New("unknown account tier")
	ErrInvalidSize  = errors.New("invalid file size")
)

// Tier is the account-level policy bucket that bounds slice size and total
// file size on the remote side.
type Tier string

const (
	TierFree    Tier = "free"
	TierPlus    Tier = "plus"
	TierPremium Tier = "premium"
)

// tierPolicy bounds what the remote accepts for a given membership level.
type tierPolicy struct {
	maxSliceSize int64
	maxFileSize  int64
}

var tierPolicies = map[Tier]tierPolicy{
	TierFree:    {maxSliceSize: 4 * mib, maxFileSize: 4 * gib},
	TierPlus:    {maxSliceSize: 16 * mib, maxFileSize: 10 * gib},
	TierPremium: {maxSliceSize: 32 * mib, maxFileSize: 20 * gib},
}

// sizeTiers maps a file-size ceiling to the base slice size used below it.
// Small files get small slices so pause and cancel stay responsive; large
// files get large slices to bound the slice count. Entries are ordered.
var sizeTiers = []struct {
	upTo      int64
	sliceSize int64
}{
	{upTo: 16 * mib, sliceSize: 1 * mib},
	{upTo: 256 * mib, sliceSize: 4 * mib},
	{upTo: 4 * gib, sliceSize: 16 * mib},
}

const largestSliceSize int64 = 32 * mib

// Plan describes how a file of a given size is split for transfer.
type Plan struct {
	ChunkSize   int64
	TotalChunks int
	// Direct marks files that fit in a single slice; they take the
	// one-shot transfer path and never get a resume record.
	Direct bool
}

// Compute picks a chunk size and count for the given file size under the
// given account tier. The result always satisfies TotalChunks <= MaxChunks;
// the remote hard limit takes precedence over the tier's slice-size cap.
func Compute(size int64, tier Tier) (Plan, error) {
	if size < 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	policy, ok := tierPolicies[tier]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	if size > policy.maxFileSize {
		return Plan{}, fmt.Errorf("%w: size %d > limit %d for tier %s",
			ErrFileTooLarge, size, policy.maxFileSize, tier)
	}

	sliceSize := largestSliceSize
	for _, st := range sizeTiers {
		if size <= st.upTo {
			sliceSize = st.sliceSize
			break
		}
	}

	if sliceSize > policy.maxSliceSize {
		sliceSize = policy.maxSliceSize
	}

	// Scale the slice up until the count fits under the remote limit.
	if count := ceilDiv(size, sliceSize); count > MaxChunks {
		sliceSize = ceilDiv(size, MaxChunks)
		// Round up to a whole MiB so offsets stay aligned.
		sliceSize = ceilDiv(sliceSize, mib) * mib
	}

	if size <= sliceSize {
		return Plan{ChunkSize: sliceSize, TotalChunks: 1, Direct: true}, nil
	}

	return Plan{
		ChunkSize:   sliceSize,
		TotalChunks: int(ceilDiv(size, sliceSize)),
	}, nil
}

// MaxFileSize returns the largest file the given tier accepts.
func MaxFileSize(tier Tier) (int64, error) {
	policy, ok := tierPolicies[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return policy.maxFileSize, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
