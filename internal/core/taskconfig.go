package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultArticleCap bounds the number of article ids an ArticleFilter resolves to.
const DefaultArticleCap = 1000

// TaskConfig is the task-type-specific configuration of a schedule.
// Each TaskType has exactly one concrete implementation.
type TaskConfig interface {
	TaskType() TaskType
	validate() error
}

// ArticleFilter selects candidate articles for labeling, summarization and categorization.
type ArticleFilter struct {
	OnlyWithoutLabels  bool     `json:"onlyWithoutLabels,omitempty"`
	OnlyWithoutSummary bool     `json:"onlyWithoutSummary,omitempty"`
	Sources            []string `json:"sources,omitempty"`
	DaysOld            int      `json:"daysOld,omitempty"`
	Limit              int      `json:"limit,omitempty"`
}

// Cap returns the effective result cap.
func (f ArticleFilter) Cap() int {
	if f.Limit <= 0 || f.Limit > DefaultArticleCap {
		return DefaultArticleCap
	}
	return f.Limit
}

func (f ArticleFilter) validate() error {
	if f.DaysOld < 0 {
		return invalid("taskConfig.articleFilter.daysOld", "must be non-negative")
	}
	if f.Limit < 0 {
		return invalid("taskConfig.articleFilter.limit", "must be non-negative")
	}
	return nil
}

// RSSCollectionConfig configures an rss_collection task.
type RSSCollectionConfig struct {
	Sources       []string `json:"sources"`
	DaysToCollect int      `json:"daysToCollect"`
}

func (RSSCollectionConfig) TaskType() TaskType { return TaskTypeRSSCollection }

func (c RSSCollectionConfig) validate() error {
	if c.DaysToCollect < 0 {
		return invalid("taskConfig.daysToCollect", "must be non-negative")
	}
	return nil
}

// ArticleTaskConfig is shared by the tasks that operate on a filtered article set.
type ArticleTaskConfig struct {
	ArticleFilter *ArticleFilter `json:"articleFilter,omitempty"`
	ModelName     string         `json:"modelName,omitempty"`
	Limit         int            `json:"limit,omitempty"`
}

func (c ArticleTaskConfig) validate() error {
	if c.Limit < 0 {
		return invalid("taskConfig.limit", "must be non-negative")
	}
	if c.ArticleFilter != nil {
		return c.ArticleFilter.validate()
	}
	return nil
}

// LabelingConfig configures a labeling task.
type LabelingConfig struct {
	ArticleTaskConfig
}

func (LabelingConfig) TaskType() TaskType { return TaskTypeLabeling }

// SummarizationConfig configures a summarization task.
type SummarizationConfig struct {
	ArticleTaskConfig
}

func (SummarizationConfig) TaskType() TaskType { return TaskTypeSummarization }

// CategorizationConfig configures a categorization task.
type CategorizationConfig struct {
	ArticleTaskConfig
	Categories []string `json:"categories,omitempty"`
}

func (CategorizationConfig) TaskType() TaskType { return TaskTypeCategorization }

// BatchProcessConfig configures a batch_process task.
type BatchProcessConfig struct {
	BatchSize             int  `json:"batchSize"`
	IncludeLabeling       bool `json:"includeLabeling"`
	IncludeSummarization  bool `json:"includeSummarization"`
	IncludeCategorization bool `json:"includeCategorization"`
}

func (BatchProcessConfig) TaskType() TaskType { return TaskTypeBatchProcess }

func (c BatchProcessConfig) validate() error {
	if c.BatchSize < 0 {
		return invalid("taskConfig.batchSize", "must be non-negative")
	}
	return nil
}

// DecodeTaskConfig parses raw JSON into the configuration variant for taskType.
// An empty or null payload yields the zero configuration.
func DecodeTaskConfig(taskType TaskType, raw json.RawMessage) (TaskConfig, error) {
	var cfg TaskConfig
	switch taskType {
	case TaskTypeRSSCollection:
		cfg = &RSSCollectionConfig{}
	case TaskTypeLabeling:
		cfg = &LabelingConfig{}
	case TaskTypeSummarization:
		cfg = &SummarizationConfig{}
	case TaskTypeCategorization:
		cfg = &CategorizationConfig{}
	case TaskTypeBatchProcess:
		cfg = &BatchProcessConfig{}
	default:
		return nil, invalid("taskType", "unknown task type %q", taskType)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, cfg); err != nil {
			return nil, invalid("taskConfig", "invalid %s configuration: %v", taskType, err)
		}
	}
	return deref(cfg), nil
}

// EncodeTaskConfig serializes cfg for storage; a nil config encodes as an empty object.
func EncodeTaskConfig(cfg TaskConfig) (json.RawMessage, error) {
	if cfg == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode task config: %w", err)
	}
	return data, nil
}

func deref(cfg TaskConfig) TaskConfig {
	switch c := cfg.(type) {
	case *RSSCollectionConfig:
		return *c
	case *LabelingConfig:
		return *c
	case *SummarizationConfig:
		return *c
	case *CategorizationConfig:
		return *c
	case *BatchProcessConfig:
		return *c
	}
	return cfg
}
