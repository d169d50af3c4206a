package main

import (
	"time"

	"arbiterflow/arbitrator"
	"arbiterflow/dispute"
)

type disputeResponse struct {
	ID                  int64              `json:"id"`
	Challenger          string             `json:"challenger"`
	Respondent          string             `json:"respondent"`
	Category            string             `json:"category"`
	Title               string             `json:"title"`
	Description         string             `json:"description"`
	EvidenceURI         string             `json:"evidenceUri"`
	EvidenceHash        string             `json:"evidenceHash"`
	Bond                int64              `json:"bond"`
	Phase               string             `json:"phase"`
	Round               int                `json:"round"`
	Committee           []string           `json:"committee"`
	Quorum              int                `json:"quorum"`
	VotesFor            int                `json:"votesFor"`
	VotesAgainst        int                `json:"votesAgainst"`
	TotalVotes          int                `json:"totalVotes"`
	Votes               []voteResponse     `json:"votes"`
	Evidence            []evidenceResponse `json:"evidence"`
	ChallengerPrevailed bool               `json:"challengerPrevailed"`
	ResolutionHash      string             `json:"resolutionHash,omitempty"`
	ResolutionReason    string             `json:"resolutionReason,omitempty"`
	CreatedAt           string             `json:"createdAt"`
	ReviewDeadline      string             `json:"reviewDeadline"`
	VotingDeadline      string             `json:"votingDeadline"`
	ExecutionDeadline   string             `json:"executionDeadline"`
	ResolvedAt          *string            `json:"resolvedAt,omitempty"`
	ExecutedAt          *string            `json:"executedAt,omitempty"`
}

type voteResponse struct {
	Arbitrator         string `json:"arbitrator"`
	SupportsChallenger bool   `json:"supportsChallenger"`
	Rationale          string `json:"rationale"`
	Confidence         int    `json:"confidence"`
	CastAt             string `json:"castAt"`
}

type evidenceResponse struct {
	Seq         int    `json:"seq"`
	Submitter   string `json:"submitter"`
	Category    string `json:"category"`
	URI         string `json:"uri"`
	ContentHash string `json:"contentHash"`
	Description string `json:"description"`
	SubmittedAt string `json:"submittedAt"`
}

type settlementResponse struct {
	DisputeID           int64                       `json:"disputeId"`
	Winner              string                      `json:"winner"`
	Amount              int64                       `json:"amount"`
	ChallengerPrevailed bool                        `json:"challengerPrevailed"`
	Slashed             bool                        `json:"slashed"`
	Arbitrators         []arbitratorOutcomeResponse `json:"arbitrators"`
}

type arbitratorOutcomeResponse struct {
	Account         string `json:"account"`
	Outcome         string `json:"outcome"`
	ReputationDelta int64  `json:"reputationDelta"`
	TrustDelta      int64  `json:"trustDelta"`
}

type arbitratorResponse struct {
	Account          string `json:"account"`
	TotalCases       int    `json:"totalCases"`
	AlignedDecisions int    `json:"alignedDecisions"`
	MissedVotes      int    `json:"missedVotes"`
	Reputation       int64  `json:"reputation"`
	Active           bool   `json:"active"`
	JoinedAt         string `json:"joinedAt"`
}

type paramsPayload struct {
	Bond               int64             `json:"bond"`
	ReviewWindow       string            `json:"reviewWindow"`
	VotingWindow       string            `json:"votingWindow"`
	ExecutionWindow    string            `json:"executionWindow"`
	MinCommitteeSize   int               `json:"minCommitteeSize"`
	MaxCommitteeSize   int               `json:"maxCommitteeSize"`
	MinArbitratorTrust int64             `json:"minArbitratorTrust"`
	Settlement         settlementPayload `json:"settlement"`
}

type settlementPayload struct {
	ChallengerWin     int64 `json:"challengerWin"`
	RespondentLoss    int64 `json:"respondentLoss"`
	ChallengerLoss    int64 `json:"challengerLoss"`
	RespondentWin     int64 `json:"respondentWin"`
	Creation          int64 `json:"creation"`
	AlignedReputation int64 `json:"alignedReputation"`
	AlignedTrust      int64 `json:"alignedTrust"`
	DissentReputation int64 `json:"dissentReputation"`
	DissentTrust      int64 `json:"dissentTrust"`
	AbsentReputation  int64 `json:"absentReputation"`
	AbsentTrust       int64 `json:"absentTrust"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	committee := d.Committee
	if committee == nil {
		committee = []string{}
	}
	// Ballots follow committee order so responses are stable.
	votes := make([]voteResponse, 0, len(d.Votes))
	for _, member := range d.Committee {
		v, ok := d.Votes[member]
		if !ok {
			continue
		}
		votes = append(votes, voteResponse{
			Arbitrator:         v.Arbitrator,
			SupportsChallenger: v.SupportsChallenger,
			Rationale:          v.Rationale,
			Confidence:         v.Confidence,
			CastAt:             formatTime(v.CastAt),
		})
	}
	evidence := make([]evidenceResponse, 0, len(d.Evidence))
	for _, e := range d.Evidence {
		evidence = append(evidence, toEvidenceResponse(e))
	}
	return disputeResponse{
		ID:                  d.ID,
		Challenger:          d.Challenger,
		Respondent:          d.Respondent,
		Category:            d.Category.String(),
		Title:               d.Title,
		Description:         d.Description,
		EvidenceURI:         d.EvidenceURI,
		EvidenceHash:        d.EvidenceHash,
		Bond:                d.Bond,
		Phase:               d.Phase.String(),
		Round:               d.Round,
		Committee:           committee,
		Quorum:              d.Quorum,
		VotesFor:            d.VotesFor,
		VotesAgainst:        d.VotesAgainst,
		TotalVotes:          d.TotalVotes,
		Votes:               votes,
		Evidence:            evidence,
		ChallengerPrevailed: d.ChallengerPrevailed,
		ResolutionHash:      d.ResolutionHash,
		ResolutionReason:    d.ResolutionReason,
		CreatedAt:           formatTime(d.CreatedAt),
		ReviewDeadline:      formatTime(d.ReviewDeadline),
		VotingDeadline:      formatTime(d.VotingDeadline),
		ExecutionDeadline:   formatTime(d.ExecutionDeadline),
		ResolvedAt:          formatOptionalTime(d.ResolvedAt),
		ExecutedAt:          formatOptionalTime(d.ExecutedAt),
	}
}

func toEvidenceResponse(e dispute.Evidence) evidenceResponse {
	return evidenceResponse{
		Seq:         e.Seq,
		Submitter:   e.Submitter,
		Category:    e.Category,
		URI:         e.URI,
		ContentHash: e.ContentHash,
		Description: e.Description,
		SubmittedAt: formatTime(e.SubmittedAt),
	}
}

func toSettlementResponse(s dispute.Settlement) settlementResponse {
	arbs := make([]arbitratorOutcomeResponse, 0, len(s.Arbitrators))
	for _, a := range s.Arbitrators {
		arbs = append(arbs, arbitratorOutcomeResponse{
			Account:         a.Account,
			Outcome:         a.Outcome,
			ReputationDelta: a.ReputationDelta,
			TrustDelta:      a.TrustDelta,
		})
	}
	return settlementResponse{
		DisputeID:           s.DisputeID,
		Winner:              s.Winner,
		Amount:              s.Amount,
		ChallengerPrevailed: s.ChallengerPrevailed,
		Slashed:             s.Slashed,
		Arbitrators:         arbs,
	}
}

func toArbitratorResponse(rec arbitrator.Record) arbitratorResponse {
	return arbitratorResponse{
		Account:          rec.Account,
		TotalCases:       rec.TotalCases,
		AlignedDecisions: rec.AlignedDecisions,
		MissedVotes:      rec.MissedVotes,
		Reputation:       rec.Reputation,
		Active:           rec.Active,
		JoinedAt:         formatTime(rec.JoinedAt),
	}
}

func toParamsPayload(p dispute.Params) paramsPayload {
	s := p.Settlement
	return paramsPayload{
		Bond:               p.Bond,
		ReviewWindow:       p.ReviewWindow.String(),
		VotingWindow:       p.VotingWindow.String(),
		ExecutionWindow:    p.ExecutionWindow.String(),
		MinCommitteeSize:   p.MinCommitteeSize,
		MaxCommitteeSize:   p.MaxCommitteeSize,
		MinArbitratorTrust: p.MinArbitratorTrust,
		Settlement: settlementPayload{
			ChallengerWin:     s.ChallengerWin,
			RespondentLoss:    s.RespondentLoss,
			ChallengerLoss:    s.ChallengerLoss,
			RespondentWin:     s.RespondentWin,
			Creation:          s.Creation,
			AlignedReputation: s.AlignedReputation,
			AlignedTrust:      s.AlignedTrust,
			DissentReputation: s.DissentReputation,
			DissentTrust:      s.DissentTrust,
			AbsentReputation:  s.AbsentReputation,
			AbsentTrust:       s.AbsentTrust,
		},
	}
}

func (p paramsPayload) toParams() (dispute.Params, error) {
	review, err := time.ParseDuration(p.ReviewWindow)
	if err != nil {
		return dispute.Params{}, err
	}
	voting, err := time.ParseDuration(p.VotingWindow)
	if err != nil {
		return dispute.Params{}, err
	}
	execution, err := time.ParseDuration(p.ExecutionWindow)
	if err != nil {
		return dispute.Params{}, err
	}
	s := p.Settlement
	return dispute.Params{
		Bond:               p.Bond,
		ReviewWindow:       review,
		VotingWindow:       voting,
		ExecutionWindow:    execution,
		MinCommitteeSize:   p.MinCommitteeSize,
		MaxCommitteeSize:   p.MaxCommitteeSize,
		MinArbitratorTrust: p.MinArbitratorTrust,
		Settlement: dispute.SettlementParams{
			ChallengerWin:     s.ChallengerWin,
			RespondentLoss:    s.RespondentLoss,
			ChallengerLoss:    s.ChallengerLoss,
			RespondentWin:     s.RespondentWin,
			Creation:          s.Creation,
			AlignedReputation: s.AlignedReputation,
			AlignedTrust:      s.AlignedTrust,
			DissentReputation: s.DissentReputation,
			DissentTrust:      s.DissentTrust,
			AbsentReputation:  s.AbsentReputation,
			AbsentTrust:       s.AbsentTrust,
		},
	}, nil
}
