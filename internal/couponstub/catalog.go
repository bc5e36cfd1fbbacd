// Package couponstub is a development stand-in for the storefront coupon
// service. It loads promo codes from gzipped code lists and answers the
// checkCoupon endpoint the cart's coupon client calls.
package couponstub

import (
	"bufio"
	"context"
	"log/slog"
	"math/bits"
	"os"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	minCodeLen = 4
	maxCodeLen = 20

	// maxFiles bounds the per-code file bitmask.
	maxFiles = bits.UintSize
)

// Rule is the discount a code grants.
type Rule struct {
	Value       decimal.Decimal
	Description string
}

var namedRules = map[string]Rule{
	"FIFTYOFF": {Value: decimal.NewFromInt(50), Description: "50% off entire order"},
	"SIXTYOFF": {Value: decimal.NewFromInt(60), Description: "60% off entire order"},
	"FREEZAAA": {Value: decimal.NewFromInt(100), Description: "Everything free!"},
	"GNULINUX": {Value: decimal.NewFromInt(15), Description: "Open source discount: 15% off"},
	"HAPPYHRS": {Value: decimal.NewFromInt(18), Description: "Happy Hours: 18% off"},
}

var defaultRule = Rule{Value: decimal.NewFromInt(10), Description: "Valid promo code: 10% off"}

// RuleFor returns the rule for a known code.
func RuleFor(code string) Rule {
	if r, ok := namedRules[code]; ok {
		return r
	}
	return defaultRule
}

// NormalizeCode trims and upper-cases a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LoadOptions controls how code lists are combined.
type LoadOptions struct {
	// MinFiles is how many lists must contain a code for it to be valid.
	// Values below 1 mean 1.
	MinFiles int
	// Capacity is the expected number of codes per list, used to size the
	// bloom filters.
	Capacity uint
	// FalsePositiveRate of the bloom filters.
	FalsePositiveRate float64
	Logger            *slog.Logger
}

func (o *LoadOptions) setDefaults() {
	if o.MinFiles < 1 {
		o.MinFiles = 1
	}
	if o.Capacity == 0 {
		o.Capacity = 1_000_000
	}
	if o.FalsePositiveRate <= 0 {
		o.FalsePositiveRate = 0.001
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Catalog is the set of valid codes. It is read-only once built.
type Catalog struct {
	codes map[string]struct{}
}

// NewCatalog returns a catalog holding codes.
func NewCatalog(codes ...string) *Catalog {
	c := &Catalog{codes: make(map[string]struct{}, len(codes))}
	for _, code := range codes {
		c.codes[NormalizeCode(code)] = struct{}{}
	}
	return c
}

// Lookup returns the rule of a valid code.
func (c *Catalog) Lookup(code string) (Rule, bool) {
	code = NormalizeCode(code)
	if _, ok := c.codes[code]; !ok {
		return Rule{}, false
	}
	return RuleFor(code), true
}

// Len returns the number of valid codes.
func (c *Catalog) Len() int {
	return len(c.codes)
}

// Load reads the gzipped code lists and keeps the codes found in at least
// opts.MinFiles of them. Lists are scanned twice: the first pass builds one
// bloom filter per list, the second keeps only codes other lists may contain
// and records the lists each code really appears in.
func Load(ctx context.Context, files []string, opts LoadOptions) (*Catalog, error) {
	opts.setDefaults()
	if len(files) == 0 {
		return nil, errors.New("no code lists given")
	}
	if len(files) > maxFiles {
		return nil, errors.Errorf("at most %d code lists are supported", maxFiles)
	}
	if opts.MinFiles > len(files) {
		return nil, errors.Errorf("min files %d exceeds the %d lists given", opts.MinFiles, len(files))
	}

	var filters []*bloom.BloomFilter
	if opts.MinFiles > 1 {
		opts.Logger.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
		var err error
		if filters, err = buildFilters(ctx, files, opts); err != nil {
			return nil, errors.Wrap(err, "build bloom filters")
		}
	}

	opts.Logger.Info("pass 2: collecting codes")
	masks := make([]map[string]uint, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			m, err := collectCodes(gctx, i, path, filters, opts)
			masks[i] = m
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}

	c := &Catalog{codes: make(map[string]struct{})}
	for code, mask := range merged {
		if bits.OnesCount(mask) >= opts.MinFiles {
			c.codes[code] = struct{}{}
		}
	}
	opts.Logger.Info("code lists loaded", slog.Int("valid", len(c.codes)))
	return c, nil
}

func buildFilters(ctx context.Context, files []string, opts LoadOptions) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.Capacity, opts.FalsePositiveRate)
			var count int
			if err := streamGzFile(ctx, path, func(code string) {
				filter.AddString(code)
				count++
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			opts.Logger.Info("pass 1 complete", slog.String("file", path), slog.Int("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// collectCodes returns the codes of one list with that list's bit set. When
// filters are given, codes that no other list can contain are skipped.
func collectCodes(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter, opts LoadOptions) (map[string]uint, error) {
	codes := make(map[string]uint)
	fileBit := uint(1) << uint(idx)

	err := streamGzFile(ctx, path, func(code string) {
		if filters != nil && !inOtherFilter(code, idx, filters) {
			return
		}
		codes[code] |= fileBit
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", path)
	}
	opts.Logger.Info("pass 2 complete", slog.String("file", path), slog.Int("candidates", len(codes)))
	return codes, nil
}

func inOtherFilter(code string, idx int, filters []*bloom.BloomFilter) bool {
	for j, f := range filters {
		if j != idx && f.TestString(code) {
			return true
		}
	}
	return false
}

// streamGzFile calls fn for every well-formed code of a gzip-compressed list,
// one code per line.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := NormalizeCode(scanner.Text())
		if len(code) < minCodeLen || len(code) > maxCodeLen {
			continue
		}
		fn(code)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
