/*
seed.go - Demo data for development and demos

PURPOSE:
  Populates the store with a handful of member accounts that exercise the
  interesting billing paths: a plain residential account, a commercial
  account, a senior citizen, a multi-meter account and a disconnected one.

USAGE VIA API:
  POST /api/seed
  {"reset": true, "with_settings": true}

  reset          clears members, readings, bills, payments and the audit
                 log first (settings versions are kept)
  with_settings  saves the shipped defaults as a new settings version

NOTE:
  Seeding with reset destroys data. Only use in development/demo environments.

SEE ALSO:
  - factory/defaults.go: the shipped tariff schedule
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopdesk/waterbilling/billing"
	"github.com/coopdesk/waterbilling/factory"
)

// SeedRequest controls what Seed does.
type SeedRequest struct {
	Reset        bool `json:"reset"`
	WithSettings bool `json:"with_settings"`
}

// SeedResponse lists what was created.
type SeedResponse struct {
	Members         []MemberDTO `json:"members"`
	SettingsVersion int         `json:"settings_version,omitempty"`
}

// Seed loads the demo members.
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	var req SeedRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if req.Reset {
		if err := h.Store.Reset(ctx); err != nil {
			h.writeDomainError(w, "Failed to reset store", err)
			return
		}
	}

	members := demoMembers(h.Engine.Now().UTC())
	if err := h.saveMembers(ctx, members); err != nil {
		h.writeDomainError(w, "Failed to seed members", err)
		return
	}

	resp := SeedResponse{Members: lo.Map(members, func(m billing.Member, _ int) MemberDTO { return toMemberDTO(m) })}
	if req.WithSettings {
		saved, err := h.Settings.Save(ctx, factory.DefaultSettings(), ActorFrom(ctx).ID, h.Engine.Now())
		if err != nil {
			h.writeDomainError(w, "Failed to seed settings", err)
			return
		}
		resp.SettingsVersion = saved.Version
	}

	h.Log.Info("demo data seeded",
		zap.Bool("reset", req.Reset),
		zap.Int("members", len(members)),
		zap.Int("settings_version", resp.SettingsVersion))
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) saveMembers(ctx context.Context, members []billing.Member) error {
	for _, m := range members {
		if err := h.Store.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func demoMembers(now time.Time) []billing.Member {
	one := decimal.NewFromInt(1)
	return []billing.Member{
		{
			AccountID:      "PN-0001",
			Name:           "Dela Cruz, Juan",
			Classification: billing.ClassResidential,
			Status:         billing.MemberActive,
			CreatedAt:      now,
		},
		{
			AccountID:      "PN-0002",
			Name:           "Santos Sari-Sari Store",
			Classification: billing.ClassCommercial,
			Status:         billing.MemberActive,
			CreatedAt:      now,
		},
		{
			AccountID:       "PN-0003",
			Name:            "Reyes, Lola",
			Classification:  billing.ClassResidential,
			Status:          billing.MemberActive,
			IsSeniorCitizen: true,
			CreatedAt:       now,
		},
		{
			AccountID:      "PN-0004",
			Name:           "Garcia Compound",
			Classification: billing.ClassResidential,
			Status:         billing.MemberActive,
			Meters: []billing.Meter{
				{MeterNumber: "M-0004-A", AccountID: "PN-0004", Multiplier: one, InitialReading: decimal.Zero, Active: true},
				{MeterNumber: "M-0004-B", AccountID: "PN-0004", Multiplier: decimal.NewFromInt(2), InitialReading: decimal.NewFromInt(100), Active: true},
			},
			CreatedAt: now,
		},
		{
			AccountID:      "PN-0005",
			Name:           "Mendoza, Ana",
			Classification: billing.ClassResidential,
			Status:         billing.MemberDisconnected,
			CreatedAt:      now,
		},
	}
}
