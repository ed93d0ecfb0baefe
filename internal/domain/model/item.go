package model

import (
	"time"

	"email-triage-pipeline/internal/domain"
)

type ItemStatus string

const (
	ItemStatusToFilter    ItemStatus = "to_filter"
	ItemStatusSpam        ItemStatus = "spam"
	ItemStatusToAnalyze   ItemStatus = "to_analyze"
	ItemStatusAnalyzingL1 ItemStatus = "analyzing_l1"
	ItemStatusL1Done      ItemStatus = "l1_done"
	ItemStatusAnalyzingL2 ItemStatus = "analyzing_l2"
	ItemStatusL2Done      ItemStatus = "l2_done"
	ItemStatusMerged      ItemStatus = "merged"
	ItemStatusAnalyzed    ItemStatus = "analyzed"
	ItemStatusNeedsReview ItemStatus = "needs_review"
)

// Terminal reports whether no further analysis will ever touch the item.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusSpam, ItemStatusAnalyzed, ItemStatusNeedsReview:
		return true
	}
	return false
}

// InProgress reports whether the status is a claim taken by a running layer.
func (s ItemStatus) InProgress() bool {
	return s == ItemStatusAnalyzingL1 || s == ItemStatusAnalyzingL2
}

// Item is one unit of text to analyze, typically an inbound email.
type Item struct {
	ID         string
	ReceivedAt time.Time
	Sender     string
	Subject    string
	Body       string

	Status        ItemStatus
	BatchInFlight bool

	L0 *SpamVerdict
	L1 *LayerOutput
	L2 *LayerOutput
	L3 *MergeResult

	LastError string

	// Claim lease, separate from business status so takeover of an expired
	// claim can be reasoned about independently.
	LeaseOwner     string
	LeaseExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewItem(id, sender, subject, body string, receivedAt time.Time) *Item {
	now := time.Now()
	return &Item{
		ID:         id,
		ReceivedAt: receivedAt,
		Sender:     sender,
		Subject:    subject,
		Body:       body,
		Status:     ItemStatusToFilter,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ApplyL1 stores the primary categorization output.
func (i *Item) ApplyL1(out *LayerOutput) error {
	if out == nil {
		return domain.ErrInvalidArgument
	}
	i.L1 = out
	i.Status = ItemStatusL1Done
	i.LastError = ""
	i.UpdatedAt = time.Now()
	return nil
}

// ApplyL2 stores the verification output. L2 is never written before L1.
func (i *Item) ApplyL2(out *LayerOutput) error {
	if out == nil {
		return domain.ErrInvalidArgument
	}
	if i.L1 == nil {
		return domain.ErrInvalidArgument
	}
	i.L2 = out
	i.Status = ItemStatusL2Done
	i.LastError = ""
	i.UpdatedAt = time.Now()
	return nil
}

// ApplyMerge stores the consensus result. Requires both L1 and L2.
func (i *Item) ApplyMerge(res *MergeResult) error {
	if res == nil {
		return domain.ErrInvalidArgument
	}
	if i.L1 == nil || i.L2 == nil {
		return domain.ErrInvalidArgument
	}
	i.L3 = res
	i.Status = ItemStatusMerged
	i.UpdatedAt = time.Now()
	return nil
}

// Finalize moves a merged item to its terminal status.
func (i *Item) Finalize() error {
	if i.Status != ItemStatusMerged || i.L3 == nil {
		return domain.ErrInvalidArgument
	}
	if i.L3.NeedsReview {
		i.Status = ItemStatusNeedsReview
	} else {
		i.Status = ItemStatusAnalyzed
	}
	i.UpdatedAt = time.Now()
	return nil
}

// LeaseExpired reports whether a previously taken claim may be taken over.
func (i *Item) LeaseExpired(now time.Time) bool {
	return i.LeaseOwner == "" || !i.LeaseExpiresAt.After(now)
}
