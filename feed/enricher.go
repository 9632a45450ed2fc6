package feed

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/brenonaraujo/tasquest.app/domain"
)

const defaultTaskTimeout = 5 * time.Second

// Keys checked, in order, for the item list of a feed response. A top-level
// array is used as is.
var itemListKeys = []string{"items", "data"}

// TaskFetcher loads task summaries from upstream.
type TaskFetcher interface {
	FetchTask(ctx context.Context, id, authorization string) (domain.TaskSummary, error)
}

// Options tune an Enricher.
type Options struct {
	// TaskTimeout bounds each task fetch independently.
	TaskTimeout time.Duration
	// Concurrency caps in-flight fetches; 0 means one goroutine per task.
	Concurrency int
	Logger      *log.Logger
}

// Enricher fills task-derived fields on feed items that reference a task but
// carry no title.
type Enricher struct {
	fetcher     TaskFetcher
	taskTimeout time.Duration
	concurrency int
	logger      *log.Logger
}

// Stats describes one enrichment pass.
type Stats struct {
	Items         int
	Candidates    int
	DistinctTasks int
	Resolved      int
	Failed        int
	Enriched      int
}

// NewEnricher creates an Enricher backed by fetcher.
func NewEnricher(fetcher TaskFetcher, opts Options) *Enricher {
	if fetcher == nil {
		panic("feed.NewEnricher: fetcher is nil")
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.Concurrency < 0 {
		opts.Concurrency = 0
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Enricher{
		fetcher:     fetcher,
		taskTimeout: opts.TaskTimeout,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

type candidate struct {
	index         int
	taskID        string
	payloadObject bool
}

// Enrich returns body with taskTitle, rewardXp and dueAt merged into the
// payload of every qualifying item whose task could be fetched. It never
// fails: unparseable bodies and failed fetches leave the affected bytes as
// they were. Item count and order never change.
func (e *Enricher) Enrich(ctx context.Context, body []byte, authorization string) ([]byte, Stats) {
	var stats Stats
	if !gjson.ValidBytes(body) {
		return body, stats
	}
	items, pathPrefix, ok := itemList(body)
	if !ok {
		return body, stats
	}
	stats.Items = len(items)

	var (
		candidates []candidate
		ids        []string
		seen       = make(map[string]struct{})
	)
	for i, item := range items {
		c, ok := inspect(i, item)
		if !ok {
			continue
		}
		candidates = append(candidates, c)
		if _, dup := seen[c.taskID]; !dup {
			seen[c.taskID] = struct{}{}
			ids = append(ids, c.taskID)
		}
	}
	stats.Candidates = len(candidates)
	stats.DistinctTasks = len(ids)
	if len(ids) == 0 {
		return body, stats
	}

	tasks, failed := e.fetchAll(ctx, ids, authorization)
	stats.Failed = failed
	stats.Resolved = len(ids) - failed

	out := body
	for _, c := range candidates {
		task, ok := tasks[c.taskID]
		if !ok {
			continue
		}
		patched, err := mergeTask(out, pathPrefix+strconv.Itoa(c.index)+".payload", c.payloadObject, task)
		if err != nil {
			e.logger.WithFields(log.Fields{"task_id": c.taskID, "index": c.index, "error": err}).
				Debug("feed.enrich.patch_failed")
			continue
		}
		out = patched
		stats.Enriched++
	}
	return out, stats
}

// fetchAll resolves every id concurrently and waits for all of them to settle.
// A failed id is simply absent from the result.
func (e *Enricher) fetchAll(ctx context.Context, ids []string, authorization string) (map[string]domain.TaskSummary, int) {
	slots := make([]*domain.TaskSummary, len(ids))
	var failed atomic.Int64

	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
			defer cancel()

			task, err := e.fetcher.FetchTask(fetchCtx, id, authorization)
			if err != nil {
				failed.Add(1)
				e.logger.WithFields(log.Fields{"task_id": id, "error": err}).
					Debug("feed.enrich.task_fetch_failed")
				return nil
			}
			slots[i] = &task
			return nil
		})
	}
	_ = g.Wait()

	tasks := make(map[string]domain.TaskSummary, len(ids))
	for i, t := range slots {
		if t != nil {
			tasks[ids[i]] = *t
		}
	}
	return tasks, int(failed.Load())
}

func itemList(body []byte) ([]gjson.Result, string, bool) {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), "", true
	}
	if !root.IsObject() {
		return nil, "", false
	}
	for _, key := range itemListKeys {
		if list := root.Get(key); list.IsArray() {
			return list.Array(), key + ".", true
		}
	}
	return nil, "", false
}

func inspect(index int, item gjson.Result) (candidate, bool) {
	if !item.IsObject() {
		return candidate{}, false
	}
	taskID := item.Get("taskId")
	if !taskID.Exists() || taskID.Type == gjson.Null {
		return candidate{}, false
	}
	payload := item.Get("payload")
	fi := domain.FeedItem{
		TaskID: taskID.String(),
		HasTitle: payload.IsObject() &&
			(payload.Get(domain.PayloadTaskTitle).Exists() || payload.Get(domain.PayloadTitle).Exists()),
	}
	if !fi.NeedsEnrichment() {
		return candidate{}, false
	}
	return candidate{index: index, taskID: fi.TaskID, payloadObject: payload.IsObject()}, true
}

// mergeTask writes the three task fields under payloadPath. The input is left
// untouched when any write fails.
func mergeTask(body []byte, payloadPath string, payloadObject bool, task domain.TaskSummary) ([]byte, error) {
	out := body
	var err error
	if !payloadObject {
		if out, err = sjson.SetRawBytes(out, payloadPath, []byte("{}")); err != nil {
			return body, err
		}
	}
	if out, err = sjson.SetBytes(out, payloadPath+"."+domain.PayloadTaskTitle, task.Title); err != nil {
		return body, err
	}
	if out, err = sjson.SetBytes(out, payloadPath+"."+domain.PayloadRewardXP, task.RewardXP); err != nil {
		return body, err
	}
	if task.DueAt != nil {
		out, err = sjson.SetBytes(out, payloadPath+"."+domain.PayloadDueAt, *task.DueAt)
	} else {
		out, err = sjson.SetRawBytes(out, payloadPath+"."+domain.PayloadDueAt, []byte("null"))
	}
	if err != nil {
		return body, err
	}
	return out, nil
}
