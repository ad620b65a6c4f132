// Command coupon-import loads coupon codes from campaign exports into the
// gatekeeper's restricted coupon list.
//
// Each input file holds one code per line (commas are accepted too) and may
// be gzip-compressed. With --min-files above 1 only codes present in at least
// that many files are imported; membership across files is found with one
// bloom filter per file so large exports never have to fit in memory twice.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/kvstore"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/repository"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	maxFiles      = 64
)

type importConfig struct {
	databaseURL   string
	boltPath      string
	overridesFile string
	minFiles      int
	expected      uint
	replace       bool
	dryRun        bool
	files         []string
}

func main() {
	var cfg importConfig

	flag.StringVar(&cfg.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&cfg.boltPath, "bolt-path", "", "store settings in this BoltDB file instead of PostgreSQL")
	flag.StringVar(&cfg.overridesFile, "overrides", "", "file with one code:limit monthly limit override per line")
	flag.IntVar(&cfg.minFiles, "min-files", 1, "import only codes present in at least this many files")
	flag.UintVar(&cfg.expected, "expected-codes", 1_000_000, "expected codes per file, sizes the bloom filters")
	flag.BoolVar(&cfg.replace, "replace", false, "replace the restricted list instead of merging into it")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "report what would change without saving")
	flag.Parse()
	cfg.files = flag.Args()

	if cfg.databaseURL == "" {
		cfg.databaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.databaseURL == "" && cfg.boltPath == "" {
		slog.Error("a settings store is required: set --database-url, DATABASE_URL or --bolt-path")
		os.Exit(1)
	}
	if len(cfg.files) == 0 && cfg.overridesFile == "" {
		slog.Error("nothing to import: pass coupon files or --overrides")
		os.Exit(1)
	}
	if len(cfg.files) > maxFiles {
		slog.Error("too many input files", slog.Int("max", maxFiles))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, cfg importConfig) error {
	var codes []string
	if len(cfg.files) > 0 {
		var err error
		codes, err = collectCodes(ctx, cfg.files, cfg.minFiles, cfg.expected)
		if err != nil {
			return errors.Wrap(err, "collect codes")
		}
		slog.Info("codes collected", slog.Int("count", len(codes)))
	}

	var overrides map[string]int
	if cfg.overridesFile != "" {
		data, err := os.ReadFile(cfg.overridesFile)
		if err != nil {
			return errors.Wrap(err, "read overrides file")
		}
		overrides = settings.ParseLimitOverrides(string(data))
		slog.Info("overrides parsed", slog.Int("count", len(overrides)))
	}

	repo, closeRepo, err := openSettings(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	store := settings.NewStore(repo, zap.NewNop())
	current, err := store.Get(ctx)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}

	next, added := merge(current, codes, overrides, cfg.replace)
	slog.Info("restricted coupons",
		slog.Int("before", len(current.RestrictedCoupons)),
		slog.Int("after", len(next.RestrictedCoupons)),
		slog.Int("added", added),
	)
	if cfg.dryRun {
		slog.Info("dry run, settings not saved")
		return nil
	}

	saved, err := store.Update(ctx, next)
	if err != nil {
		return errors.Wrap(err, "save settings")
	}
	slog.Info("settings saved", slog.Int("version", saved.Version))
	return nil
}

func openSettings(ctx context.Context, cfg importConfig) (settings.Repository, func(), error) {
	if cfg.boltPath != "" {
		kv, err := kvstore.Open(cfg.boltPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open bolt")
		}
		return kv.Option(repository.SettingsOptionKey), func() { _ = kv.Close() }, nil
	}

	slog.Info("connecting to database")
	pool, err := repository.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to database")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "run migrations")
	}
	return repository.NewOptionsRepository(pool, repository.SettingsOptionKey), pool.Close, nil
}

// merge applies imported codes and overrides to s. Existing codes keep their
// position; new codes are appended in sorted order. It returns the number of
// codes added.
func merge(s settings.Settings, codes []string, overrides map[string]int, replace bool) (settings.Settings, int) {
	next := s.Clone()
	if replace && len(codes) > 0 {
		next.RestrictedCoupons = nil
	}

	seen := make(map[string]struct{}, len(next.RestrictedCoupons)+len(codes))
	for _, c := range next.RestrictedCoupons {
		seen[c] = struct{}{}
	}

	fresh := make([]string, 0, len(codes))
	for _, c := range codes {
		c = settings.NormalizeCode(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		fresh = append(fresh, c)
	}
	slices.Sort(fresh)
	next.RestrictedCoupons = append(next.RestrictedCoupons, fresh...)

	if len(overrides) > 0 {
		if next.LimitOverrides == nil {
			next.LimitOverrides = make(map[string]int, len(overrides))
		}
		for code, limit := range overrides {
			next.LimitOverrides[code] = limit
		}
	}
	return next, len(fresh)
}

// collectCodes returns the normalized codes present in at least minFiles of
// files. Files are read concurrently.
func collectCodes(ctx context.Context, files []string, minFiles int, expected uint) ([]string, error) {
	if minFiles > len(files) {
		return nil, errors.Errorf("min-files %d exceeds the %d input files", minFiles, len(files))
	}
	if minFiles <= 1 {
		return unionCodes(ctx, files)
	}

	// Pass 1: one bloom filter per file.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := buildBloomFilters(ctx, files, expected)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: keep codes the other files' filters report often enough.
	slog.Info("pass 2: finding shared codes", slog.Int("min_files", minFiles))
	return findSharedCodes(ctx, files, filters, minFiles)
}

func unionCodes(ctx context.Context, files []string) ([]string, error) {
	sets := make([]map[string]struct{}, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			set := make(map[string]struct{})
			if err := streamCodes(ctx, path, func(code string) {
				set[code] = struct{}{}
			}); err != nil {
				return err
			}
			slog.Info("file read", slog.String("path", path), slog.Int("codes", len(set)))
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]struct{})
	for _, set := range sets {
		for code := range set {
			merged[code] = struct{}{}
		}
	}
	return sortedKeys(merged), nil
}

func buildBloomFilters(ctx context.Context, files []string, expected uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(max(expected, 1), bloomFPR)
			var count uint64
			if err := streamCodes(ctx, path, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}
			slog.Info("pass 1 complete", slog.Int("file", i+1), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findSharedCodes re-streams each file and marks codes that at least
// minFiles-1 other filters contain. A code is kept when minFiles files marked
// it, which makes a single bloom false positive insufficient on its own.
func findSharedCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter, minFiles int) ([]string, error) {
	results := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			candidates := make(map[string]uint64)
			fileBit := uint64(1) << uint(i)
			if err := streamCodes(ctx, path, func(code string) {
				hits := 0
				for j, f := range filters {
					if j != i && f.TestString(code) {
						hits++
					}
				}
				if hits >= minFiles-1 {
					candidates[code] |= fileBit
				}
			}); err != nil {
				return errors.Wrapf(err, "scan file %d for shared codes", i+1)
			}
			slog.Info("pass 2 complete", slog.Int("file", i+1), slog.Int("candidates", len(candidates)))
			results[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, r := range results {
		for code, mask := range r {
			merged[code] |= mask
		}
	}

	shared := make(map[string]struct{})
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= minFiles {
			shared[code] = struct{}{}
		}
	}
	return sortedKeys(shared), nil
}

// streamCodes calls fn for every normalized code in the file at path.
// Files ending in .gz are decompressed.
func streamCodes(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, code := range settings.ParseCouponList(scanner.Text()) {
			fn(code)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
