package incidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/incidence/internal/domain/cohort"
	"github.com/ehr/incidence/internal/platform/reporting"
	"github.com/ehr/incidence/internal/platform/telemetry"
)

const (
	defaultWorkers      = 4
	defaultFetchTimeout = 2 * time.Minute
)

// Service runs report definitions against an EventStore.
type Service struct {
	store        EventStore
	logger       zerolog.Logger
	workers      int
	fetchTimeout time.Duration
	recorder     *telemetry.Recorder
	sink         reporting.Sink
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithWorkers bounds the number of concurrent bucket fetches.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithFetchTimeout bounds each bucket fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithSink sets where Publish writes results.
func WithSink(sink reporting.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock replaces the wall clock used for bucketing and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store EventStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       logger,
		workers:      defaultWorkers,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the event store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Buckets lists the closed buckets of [startYear, endYear] at granularity g.
func (s *Service) Buckets(g cohort.Granularity, startYear, endYear int) []cohort.Bucket {
	b := cohort.NewBucketer(g)
	b.Now = s.now
	return b.Buckets(startYear, endYear)
}

// DefaultYears is the year range a report covers when none is given.
func DefaultYears(def *ReportDefinition, now time.Time) (int, int) {
	end := now.Year()
	return end - def.LookbackYears, end
}

// Run executes def over [startYear, endYear]. A failed fetch aborts the run
// with an error wrapping cohort.ErrSourceUnavailable; malformed records are
// dropped and counted in the result stats.
func (s *Service) Run(ctx context.Context, def *ReportDefinition, startYear, endYear int) (res *Result, err error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if endYear < startYear {
		return nil, fmt.Errorf("end year %d before start year %d", endYear, startYear)
	}

	started := s.now()
	runID := uuid.New()
	log := s.logger.With().Str("run_id", runID.String()).Str("report_id", def.ID).Logger()
	defer func() {
		rows := 0
		if res != nil {
			rows = len(res.Series)
		}
		s.recorder.RunFinished(def.ID, rows, s.now().Sub(started), err)
	}()

	g := def.GranularityValue()
	buckets := s.Buckets(g, startYear, endYear)
	log.Info().Int("start_year", startYear).Int("end_year", endYear).
		Int("buckets", len(buckets)).Msg("report run started")

	filters := Filters{
		EventTypes:  def.EventTypes,
		Conditions:  def.Conditions,
		Site:        def.Site,
		HorizonDays: def.Horizon(),
	}
	primary, secondary, err := s.fetch(ctx, log, buckets, filters)
	if err != nil {
		log.Error().Err(err).Msg("report run aborted")
		return nil, err
	}

	stats := RunStats{
		Buckets:          len(buckets),
		PrimaryFetched:   len(primary),
		SecondaryFetched: len(secondary),
	}

	primary, stats.DroppedPrimary = s.validPrimary(log, primary)
	secondary, stats.DroppedSecondary = s.validSecondary(log, secondary)
	s.recorder.RecordsDropped(string(cohort.SidePrimary), stats.DroppedPrimary)
	s.recorder.RecordsDropped(string(cohort.SideSecondary), stats.DroppedSecondary)

	stats.UndatedPrimary, stats.UndatedSecondary = s.countUndated(ctx, log, filters)

	primary, stats.FilteredPrimary = exclude(primary, def)

	var classify cohort.ClassifyFunc
	if len(def.Classification) > 0 {
		classify = cohort.TableClassifier(def.Classification, def.DefaultCategory)
	} else if def.DefaultCategory != "" {
		classify = func(p cohort.PrimaryEvent) string {
			if p.Category == "" {
				return def.DefaultCategory
			}
			return p.Category
		}
	}
	records := cohort.Reduce(cohort.Classify(primary, classify), cohort.ReduceOptions{
		Granularity:     g,
		MultipleLabel:   def.MultipleLabel,
		MultipleRelabel: def.MultipleRelabel,
	})

	matched := cohort.MatchEvents(records, cohort.DedupSecondary(secondary), cohort.MatchOptions{
		Window:        def.Window,
		Exclusion:     def.Exclusion,
		MultipleLabel: def.MultipleLabel,
	})
	denominator := cohort.DropExcluded(records, matched)
	stats.CohortSize = len(denominator)
	stats.Excluded = len(matched.Excluded)
	stats.Matches = len(matched.Matches)
	s.recorder.Matched(def.ID, stats.Matches, stats.Excluded)

	merged := cohort.MergeOutcomes(denominator, matched.Matches, cohort.MergeOptions{
		Positive:   def.Positive,
		Negative:   def.Negative,
		Dimensions: resolver(def.Dimensions),
		Categories: def.CategoryFilter,
	})
	obs := make([]cohort.Observation, 0, len(merged))
	for _, o := range merged {
		if o.Dimensions == nil && len(def.Dimensions) > 0 {
			stats.UnbandedObservations++
			continue
		}
		obs = append(obs, o)
	}
	if stats.UnbandedObservations > 0 {
		log.Warn().Int("count", stats.UnbandedObservations).Msg("observations without a dimension value dropped")
	}

	series := cohort.Assemble(obs, cohort.AssembleOptions{
		Dimensions: def.DimensionNames(),
		Buckets:    cohort.Trailing(buckets, def.TrailingBuckets),
		Outcomes:   []string{def.Positive, def.Negative},
		Seed:       seedsOf(def.Dimensions),
		Base:       def.Base,
		Precision:  def.Precision,
	})

	res = &Result{
		RunID:       runID,
		ReportID:    def.ID,
		GeneratedAt: started.UTC(),
		Dimensions:  def.DimensionNames(),
		Buckets:     buckets,
		Denominator: denominator,
		Numerator:   matched.Matches,
		Series:      series,
		Stats:       stats,
	}
	log.Info().
		Int("cohort", stats.CohortSize).
		Int("matches", stats.Matches).
		Int("excluded", stats.Excluded).
		Int("rows", len(series)).
		Dur("took", s.now().Sub(started)).
		Msg("report run finished")
	return res, nil
}

// countUndated reports rows the store holds without a timestamp. Counting is
// diagnostic only; failures are logged and yield zero.
func (s *Service) countUndated(ctx context.Context, log zerolog.Logger, f Filters) (int, int) {
	counter, ok := s.store.(UndatedCounter)
	if !ok {
		return 0, 0
	}
	primary, secondary, err := counter.CountUndated(ctx, f)
	if err != nil {
		log.Warn().Err(err).Msg("count undated records failed")
		return 0, 0
	}
	if primary > 0 || secondary > 0 {
		log.Warn().Int("primary", primary).Int("secondary", secondary).
			Msg("records without a timestamp are outside every bucket")
	}
	return primary, secondary
}

// Publish writes res to the configured sink. Without a sink it is a no-op.
func (s *Service) Publish(ctx context.Context, res *Result) error {
	if s.sink == nil {
		return nil
	}
	if err := s.sink.Write(ctx, res.Report()); err != nil {
		return fmt.Errorf("publish report %s run %s: %w", res.ReportID, res.RunID, err)
	}
	return nil
}

// fetch loads both sides of every bucket concurrently. Results are
// concatenated in bucket order regardless of completion order.
func (s *Service) fetch(ctx context.Context, log zerolog.Logger, buckets []cohort.Bucket, f Filters) ([]cohort.PrimaryEvent, []cohort.SecondaryEvent, error) {
	primarySlots := make([][]cohort.PrimaryEvent, len(buckets))
	secondarySlots := make([][]cohort.SecondaryEvent, len(buckets))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)
	for i, b := range buckets {
		eg.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
			defer cancel()
			start := time.Now()
			rows, err := s.store.FetchPrimary(fctx, b, f)
			if err != nil {
				return s.sourceError(log, b, cohort.SidePrimary, err)
			}
			s.recorder.BucketFetched(string(cohort.SidePrimary), len(rows), time.Since(start))
			log.Debug().Str("bucket", b.String()).Int("records", len(rows)).Msg("fetched primary records")
			primarySlots[i] = rows
			return nil
		})
		eg.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
			defer cancel()
			start := time.Now()
			rows, err := s.store.FetchSecondary(fctx, b, f)
			if err != nil {
				return s.sourceError(log, b, cohort.SideSecondary, err)
			}
			s.recorder.BucketFetched(string(cohort.SideSecondary), len(rows), time.Since(start))
			log.Debug().Str("bucket", b.String()).Int("records", len(rows)).Msg("fetched secondary records")
			secondarySlots[i] = rows
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	var primary []cohort.PrimaryEvent
	for _, rows := range primarySlots {
		primary = append(primary, rows...)
	}
	var secondary []cohort.SecondaryEvent
	for _, rows := range secondarySlots {
		secondary = append(secondary, rows...)
	}
	return primary, secondary, nil
}

func (s *Service) sourceError(log zerolog.Logger, b cohort.Bucket, side cohort.Side, err error) error {
	s.recorder.FetchFailed(string(side))
	// Cancellation caused by a sibling failure is not worth its own line.
	if !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("bucket", b.String()).Str("side", string(side)).Msg("bucket fetch failed")
	}
	return &cohort.SourceError{Bucket: b, Side: side, Err: err}
}

func (s *Service) validPrimary(log zerolog.Logger, events []cohort.PrimaryEvent) ([]cohort.PrimaryEvent, int) {
	out := make([]cohort.PrimaryEvent, 0, len(events))
	dropped := 0
	for _, p := range events {
		if err := cohort.ValidatePrimary(p); err != nil {
			log.Warn().Err(err).Int64("record_id", p.RecordID).Msg("dropping primary record")
			dropped++
			continue
		}
		out = append(out, p)
	}
	return out, dropped
}

func (s *Service) validSecondary(log zerolog.Logger, events []cohort.SecondaryEvent) ([]cohort.SecondaryEvent, int) {
	out := make([]cohort.SecondaryEvent, 0, len(events))
	dropped := 0
	for _, ev := range events {
		if err := cohort.ValidateSecondary(ev); err != nil {
			log.Warn().Err(err).Int64("record_id", ev.RecordID).Msg("dropping secondary record")
			dropped++
			continue
		}
		out = append(out, ev)
	}
	return out, dropped
}

// exclude removes primaries of excluded event types or locations.
func exclude(events []cohort.PrimaryEvent, def *ReportDefinition) ([]cohort.PrimaryEvent, int) {
	if len(def.ExcludeEventTypes) == 0 && len(def.ExcludeLocations) == 0 {
		return events, 0
	}
	types := toSet(def.ExcludeEventTypes)
	locations := toSet(def.ExcludeLocations)
	out := make([]cohort.PrimaryEvent, 0, len(events))
	for _, p := range events {
		if types[p.EventType] || locations[p.Location] {
			continue
		}
		out = append(out, p)
	}
	return out, len(events) - len(out)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
