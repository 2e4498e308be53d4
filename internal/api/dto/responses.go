package dto

import (
	"time"

	"reachwatch/internal/consensus"
)

type SubmitResponse struct {
	OK bool   `json:"ok"`
	ID uint64 `json:"id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type WhitelistResponse struct {
	Version     uint64            `json:"version"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Entries     []consensus.Entry `json:"entries"`
}

type CheckResponse struct {
	ID        string           `json:"id,omitempty"`
	Target    string           `json:"target"`
	Whitelist *consensus.Entry `json:"whitelist"`
}

type RecomputeResponse struct {
	Version uint64 `json:"version"`
	Entries int    `json:"entries"`
}

type DeleteReportResponse struct {
	ID          uint64 `json:"id"`
	RowsRemoved int64  `json:"rowsRemoved"`
}

type RankRefreshResponse struct {
	Domains       int `json:"domains"`
	Sources       int `json:"sources"`
	FailedSources int `json:"failedSources"`
}

type ReportRowResponse struct {
	Domain   string `json:"domain"`
	Evidence string `json:"evidence"`
}

type ReportResponse struct {
	ID          uint64              `json:"id"`
	ReporterID  uint64              `json:"reporterId"`
	Version     string              `json:"version"`
	HTTP        bool                `json:"http"`
	TxJunk      bool                `json:"txJunk"`
	ProbeIP     string              `json:"ip"`
	Path        string              `json:"path"`
	RetryCount  int32               `json:"retryCount"`
	TimeoutSecs int64               `json:"timeoutSecs"`
	ProbeCount  int32               `json:"probeCount"`
	ReceivedAt  time.Time           `json:"receivedAt"`
	Rows        []ReportRowResponse `json:"rows"`
}

type RankUpsertRequest struct {
	Rank int `json:"rank"`
}

type RankUpsertResponse struct {
	Domain string `json:"domain"`
	Rank   int    `json:"rank"`
}

type RotateTokenRequest struct {
	Token string `json:"token"`
}
