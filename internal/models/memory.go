package models

import (
	"time"
)

// Document is a unit of retrievable knowledge. Documents are immutable once added.
type Document struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
}

// SearchHit wraps a Document with its distance to the query. Lower is more similar.
type SearchHit struct {
	Document Document `json:"document"`
	Distance float64  `json:"distance"`
}

// Fact is a durable key-value memory item. Last write wins.
type Fact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationRecord is one entry of the bounded conversation log.
type ConversationRecord struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	User      string         `json:"user"`
	Assistant string         `json:"assistant"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PatternCount is a learned unigram or bigram with its frequency.
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int64  `json:"count"`
}

// Profile summarizes what has been learned about the user.
type Profile struct {
	Preferences        map[string]float64 `json:"preferences" yaml:"preferences"`
	TotalConversations int                `json:"total_conversations" yaml:"total_conversations"`
	CommonTopics       []string           `json:"common_topics" yaml:"common_topics"`
	MemoryItems        int                `json:"memory_items" yaml:"memory_items"`
}

// MemoryStats holds counts of the conversation memory state.
type MemoryStats struct {
	Facts       int `json:"facts" yaml:"facts"`
	Turns       int `json:"turns" yaml:"turns"`
	Patterns    int `json:"patterns" yaml:"patterns"`
	Preferences int `json:"preferences" yaml:"preferences"`
	PendingOps  int `json:"pending_ops" yaml:"pending_ops"`
}

// RetrievalStats holds summary statistics about the retrieval index.
type RetrievalStats struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Provider      string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Collection    string `json:"collection,omitempty" yaml:"collection,omitempty"`
	DocumentCount int    `json:"document_count" yaml:"document_count"`
}

// Status reports the orchestrator's routing configuration and backend liveness.
type Status struct {
	Mode              BackendMode     `json:"mode" yaml:"mode"`
	LocalAvailable    bool            `json:"local_available" yaml:"local_available"`
	CloudAvailable    bool            `json:"cloud_available" yaml:"cloud_available"`
	LocalModel        string          `json:"local_model,omitempty" yaml:"local_model,omitempty"`
	CloudProvider     string          `json:"cloud_provider,omitempty" yaml:"cloud_provider,omitempty"`
	PersonalInjection bool            `json:"personal_injection" yaml:"personal_injection"`
	Retrieval         *RetrievalStats `json:"retrieval,omitempty" yaml:"retrieval,omitempty"`
	Memory            *MemoryStats    `json:"memory,omitempty" yaml:"memory,omitempty"`
}
