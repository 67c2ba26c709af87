package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peakserve/adserver/internal/models"
)

// InMemoryStore keeps campaigns, definitions, events and conversion
// groups in maps. Not durable; used for tests and for running without
// PostgreSQL.
type InMemoryStore struct {
	mu          sync.RWMutex
	campaigns   map[models.Id]*models.Campaign
	definitions map[models.Id]*models.ConversionDefinition
	events      map[models.Id]*models.EventLog
	groups      []*models.ConversionGroup

	// eventsByCampaign keeps insertion order per campaign for lookups.
	eventsByCampaign map[models.Id][]models.Id
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		campaigns:        make(map[models.Id]*models.Campaign),
		definitions:      make(map[models.Id]*models.ConversionDefinition),
		events:           make(map[models.Id]*models.EventLog),
		eventsByCampaign: make(map[models.Id][]models.Id),
	}
}

// AddCampaign seeds a campaign.
func (s *InMemoryStore) AddCampaign(c *models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
}

// AddDefinition seeds a conversion definition.
func (s *InMemoryStore) AddDefinition(d *models.ConversionDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.definitions[d.ID] = &cp
}

func (s *InMemoryStore) FetchCampaignByUUID(ctx context.Context, id models.Id) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.campaigns[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) FetchDefinitionByUUID(ctx context.Context, id models.Id) (*models.ConversionDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.definitions[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) CreateEvent(ctx context.Context, ev *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeEventLocked(ev)
	return nil
}

func (s *InMemoryStore) storeEventLocked(ev *models.EventLog) {
	cp := *ev
	s.events[ev.EventID] = &cp
	s.eventsByCampaign[ev.CampaignID] = append(s.eventsByCampaign[ev.CampaignID], ev.EventID)
}

func (s *InMemoryStore) FindViewsByCaseID(ctx context.Context, campaignID, caseID models.Id) ([]*models.EventLog, error) {
	return s.findViews(campaignID, func(ev *models.EventLog) bool {
		return ev.CaseID == caseID
	})
}

func (s *InMemoryStore) FindViewsByTrackingID(ctx context.Context, campaignID, trackingID models.Id, since time.Time) ([]*models.EventLog, error) {
	return s.findViews(campaignID, func(ev *models.EventLog) bool {
		return ev.TrackingID == trackingID && !ev.CreatedAt.Before(since)
	})
}

func (s *InMemoryStore) findViews(campaignID models.Id, match func(*models.EventLog) bool) ([]*models.EventLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.EventLog
	for _, id := range s.eventsByCampaign[campaignID] {
		ev := s.events[id]
		if ev.Type != models.EventTypeView || !match(ev) {
			continue
		}
		cp := *ev
		result = append(result, &cp)
	}
	// Most recent first, ties broken by case id for determinism.
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CaseID.String() < result[j].CaseID.String()
	})
	return result, nil
}

func (s *InMemoryStore) CountClicksByCaseIDs(ctx context.Context, campaignID models.Id, caseIDs []models.Id) (map[models.Id]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[models.Id]bool, len(caseIDs))
	for _, id := range caseIDs {
		wanted[id] = true
	}

	counts := make(map[models.Id]int64)
	for _, id := range s.eventsByCampaign[campaignID] {
		ev := s.events[id]
		if ev.Type == models.EventTypeClick && wanted[ev.CaseID] {
			counts[ev.CaseID]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) ContainsConversionMatchingCaseIDs(ctx context.Context, definitionID models.Id, caseIDs []models.Id) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsConversionLocked(definitionID, caseIDs), nil
}

func (s *InMemoryStore) containsConversionLocked(definitionID models.Id, caseIDs []models.Id) bool {
	for _, g := range s.groups {
		if g.DefinitionID != definitionID {
			continue
		}
		for _, caseID := range caseIDs {
			if g.CaseID == caseID {
				return true
			}
		}
	}
	return false
}

func (s *InMemoryStore) RegisterConversion(ctx context.Context, events []*models.EventLog, groups []*models.ConversionGroup, unique bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if unique {
		for _, g := range groups {
			if s.containsConversionLocked(g.DefinitionID, []models.Id{g.CaseID}) {
				return ErrDuplicateConversion
			}
		}
	}
	for _, ev := range events {
		s.storeEventLocked(ev)
	}
	for _, g := range groups {
		cp := *g
		s.groups = append(s.groups, &cp)
	}
	return nil
}

func (s *InMemoryStore) RegisterClicks(ctx context.Context, events []*models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.storeEventLocked(ev)
	}
	return nil
}

// GroupsByDefinition returns the conversion groups registered for a
// definition, for inspection in tests.
func (s *InMemoryStore) GroupsByDefinition(definitionID models.Id) []*models.ConversionGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.ConversionGroup
	for _, g := range s.groups {
		if g.DefinitionID == definitionID {
			cp := *g
			result = append(result, &cp)
		}
	}
	return result
}

// EventsByType returns events of one type for a campaign, for tests.
func (s *InMemoryStore) EventsByType(campaignID models.Id, typ models.EventType) []*models.EventLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.EventLog
	for _, id := range s.eventsByCampaign[campaignID] {
		if ev := s.events[id]; ev.Type == typ {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result
}
