package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"reachwatch/internal/api/dto"
	"reachwatch/internal/auth"
	"reachwatch/internal/consensus"
	"reachwatch/internal/database"
	"reachwatch/internal/domain"
	"reachwatch/internal/intake"
	"reachwatch/internal/querylog"
	"reachwatch/internal/ranking"
	"reachwatch/internal/registry"
)

type fakeIntake struct {
	err      error
	token    string
	env      intake.Envelope
	evidence []intake.Evidence
}

func (f *fakeIntake) Submit(_ context.Context, token string, env intake.Envelope, evidence []intake.Evidence) (uint64, error) {
	f.token, f.env, f.evidence = token, env, evidence
	if f.err != nil {
		return 0, f.err
	}
	return 42, nil
}

type fakeEngine struct {
	whitelist *consensus.Whitelist
}

func (f *fakeEngine) Recompute(context.Context) (*consensus.Snapshot, error) {
	next := uint64(1)
	if cur := f.whitelist.Current(); cur != nil {
		next = cur.Version + 1
	}
	s := consensus.NewSnapshot(next, time.Now(), nil)
	f.whitelist.Publish(s)
	return s, nil
}

type fakeQueries struct {
	entries  []querylog.Entry
	feedback map[uuid.UUID]bool
}

func (f *fakeQueries) Record(_ context.Context, entry querylog.Entry) (uuid.UUID, error) {
	f.entries = append(f.entries, entry)
	return uuid.New(), nil
}

func (f *fakeQueries) Feedback(_ context.Context, id uuid.UUID, works bool, _ string) error {
	if f.feedback == nil {
		f.feedback = map[uuid.UUID]bool{}
	}
	f.feedback[id] = works
	return nil
}

type fakeReports struct{}

func (fakeReports) GetReport(_ context.Context, id uint64) (*domain.Report, error) {
	if id != 7 {
		return nil, database.ErrReportNotFound
	}
	return &domain.Report{
		ID:         7,
		ReporterID: 1,
		Version:    "1.0.0",
		ProbeIP:    "192.0.2.1",
		Rows: []domain.ReportRow{
			{Domain: "a.com", Evidence: domain.EvidenceOK},
			{Domain: "b.com", Evidence: domain.EvidenceBlocked},
		},
	}, nil
}

func (fakeReports) DeleteReport(_ context.Context, id uint64) (int64, error) {
	if id == 7 {
		return 3, nil
	}
	return 0, database.ErrReportNotFound
}

type fakeRanks struct {
	ranks map[string]int
}

func (f *fakeRanks) Refresh(context.Context, string) (*ranking.RefreshOutcome, error) {
	return nil, errors.New("no feeds in tests")
}

func (f *fakeRanks) Upsert(_ context.Context, name string, rank int) error {
	if rank <= 0 {
		return ranking.ErrInvalidRank
	}
	if name != strings.ToLower(name) {
		return ranking.ErrInvalidDomain
	}
	f.ranks[name] = rank
	return nil
}

type fakeTokens struct {
	rotated map[uint64]string
}

func (f *fakeTokens) RotateToken(_ context.Context, id uint64, token string) error {
	if token == "" {
		return registry.ErrEmptyToken
	}
	if id != 1 {
		return fmt.Errorf("registry: rotate token of reporter %d: %w", id, database.ErrReporterNotFound)
	}
	f.rotated[id] = token
	return nil
}

type fixture struct {
	handler   http.Handler
	ranks     *fakeRanks
	tokens    *fakeTokens
	intake    *fakeIntake
	queries   *fakeQueries
	whitelist *consensus.Whitelist
}

func intPtr(v int) *int { return &v }

func newFixture(t *testing.T, entries []consensus.Entry) *fixture {
	t.Helper()
	whitelist := consensus.NewWhitelist()
	if entries != nil {
		whitelist.Publish(consensus.NewSnapshot(1, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), entries))
	}

	f := &fixture{
		intake:    &fakeIntake{},
		queries:   &fakeQueries{},
		whitelist: whitelist,
		ranks:     &fakeRanks{ranks: map[string]int{}},
		tokens:    &fakeTokens{rotated: map[uint64]string{}},
	}
	handler, err := NewHandler(Deps{
		Intake:    f.intake,
		Engine:    &fakeEngine{whitelist: whitelist},
		Whitelist: whitelist,
		Queries:   f.queries,
		Reports:   fakeReports{},
		Tokens:    f.tokens,
		Ranks:     f.ranks,
	})
	require.NoError(t, err)
	f.handler = handler
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func msgpackReport(t *testing.T) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(dto.AgencyReport{
		Version: "1.0.0",
		Config:  dto.ReporterConfig{IP: "192.0.2.1", Path: "/"},
		Data:    dto.EvidenceList{{Domain: "example.com", Evidence: "Ok"}},
	})
	require.NoError(t, err)
	return raw
}

func TestSubmitReportRequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/agency/report", bytes.NewReader(msgpackReport(t)))
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
}

func TestSubmitReportMsgpack(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/agency/report", bytes.NewReader(msgpackReport(t)))
	req.Header.Set("Authorization", "Bearer probe-token")
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("X-Forwarded-For", "198.51.100.20, 10.0.0.1")

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp dto.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.EqualValues(t, 42, resp.ID)

	assert.Equal(t, "probe-token", f.intake.token)
	assert.Equal(t, "198.51.100.20", f.intake.env.ReporterIP)
	assert.Equal(t, []intake.Evidence{{Domain: "example.com", Outcome: "Ok"}}, f.intake.evidence)
}

func TestSubmitReportJSON(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"version":"1","config":{"ip":"192.0.2.1","path":"/"},"data":{"a.com":"ok"}}`
	req := httptest.NewRequest(http.MethodPost, "/agency/report", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer t")
	req.Header.Set("Content-Type", "application/json")

	require.Equal(t, http.StatusOK, f.do(req).Code)
	assert.Equal(t, "a.com", f.intake.evidence[0].Domain)
}

func TestSubmitReportErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad token", intake.ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("%w: empty", intake.ErrInvalidEnvelope), http.StatusBadRequest},
		{fmt.Errorf("%w: a.com/ok", intake.ErrDuplicateEvidence), http.StatusConflict},
		{intake.ErrTimeout, http.StatusGatewayTimeout},
		{intake.ErrStorage, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			f := newFixture(t, nil)
			f.intake.err = tc.err
			req := httptest.NewRequest(http.MethodPost, "/agency/report", bytes.NewReader(msgpackReport(t)))
			req.Header.Set("Authorization", "Bearer t")
			assert.Equal(t, tc.want, f.do(req).Code)
		})
	}
}

func TestSubmitReportRejectsUnknownMediaAndGarbage(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/agency/report", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer t")
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/agency/report", strings.NewReader("\xc1garbage"))
	req.Header.Set("Authorization", "Bearer t")
	req.Header.Set("Content-Type", "application/msgpack")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestHealthcheck(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(httptest.NewRequest(http.MethodGet, "/healthcheck", nil)).Code)

	f.whitelist.Publish(consensus.NewSnapshot(1, time.Now(), nil))
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/healthcheck", nil)).Code)
}

func TestCSVExports(t *testing.T) {
	entries := make([]consensus.Entry, 0, 200)
	for i := 1; i <= 200; i++ {
		entries = append(entries, consensus.Entry{Domain: fmt.Sprintf("site-%03d.example", i), Rank: intPtr(i)})
	}
	f := newFixture(t, entries)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/whitelist/full.csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, exportCacheControl, rec.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "domain,rank,last_ok\nsite-001.example,1,\n"))

	req := httptest.NewRequest(http.MethodGet, "/whitelist/domains.csv", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestHistogramEndpoint(t *testing.T) {
	f := newFixture(t, []consensus.Entry{{Domain: "a.com", Rank: intPtr(5)}})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/whitelist/histogram?limit=100&filter=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var bins []consensus.HistogramBin
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bins))
	require.Len(t, bins, 50)
	assert.Equal(t, 1, bins[2].Count)

	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodGet, "/whitelist/histogram?limit=lots", nil)).Code)
}

func TestHistogramFilterPresenceExcludesCoUK(t *testing.T) {
	f := newFixture(t, []consensus.Entry{
		{Domain: "a.com", Rank: intPtr(1)},
		{Domain: "bbc.co.uk", Rank: intPtr(2)},
	})

	total := func(target string) int {
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code, target)
		var bins []consensus.HistogramBin
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bins))
		sum := 0
		for _, b := range bins {
			sum += b.Count
		}
		return sum
	}

	assert.Equal(t, 2, total("/whitelist/histogram?limit=100"))
	assert.Equal(t, 1, total("/whitelist/histogram?limit=100&filter"))
	assert.Equal(t, 1, total("/whitelist/histogram?limit=100&filter=false"))
	assert.Equal(t, 1, total("/whitelist/histogram?limit=100&filter=yes"))
}

func TestWhitelistEndpoint(t *testing.T) {
	f := newFixture(t, []consensus.Entry{{Domain: "a.com"}})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/whitelist", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.WhitelistResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.Version)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "a.com", resp.Entries[0].Domain)
}

func TestCheckAndFeedback(t *testing.T) {
	f := newFixture(t, []consensus.Entry{{Domain: "example.com", Rank: intPtr(3)}})

	req := httptest.NewRequest(http.MethodGet, "/check?target=www.example.com", nil)
	req.RemoteAddr = "203.0.113.5:5555"
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Whitelist)
	assert.Equal(t, "example.com", resp.Whitelist.Domain)
	require.Len(t, f.queries.entries, 1)
	assert.Equal(t, "203.0.113.5", f.queries.entries[0].SourceIP)
	assert.Equal(t, "example.com", f.queries.entries[0].WhitelistMatch)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/feedback/"+resp.ID+"/false", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	works, ok := f.queries.feedback[uuid.MustParse(resp.ID)]
	assert.True(t, ok)
	assert.False(t, works)

	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodPost, "/feedback/not-a-uuid/true", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodPost, "/feedback/"+resp.ID+"/maybe", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodGet, "/check", nil)).Code)
}

func TestCheckRejectsInvalidUTF8Target(t *testing.T) {
	f := newFixture(t, []consensus.Entry{{Domain: "example.com"}})

	for _, target := range []string{"/check?target=%FF", "/check?target=a%00.com"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	assert.Empty(t, f.queries.entries)
}

func TestAdminRoutes(t *testing.T) {
	t.Setenv("JWT_SECRET", "server-test-secret")
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(httptest.NewRequest(http.MethodPost, "/admin/whitelist/recompute", nil)).Code)

	token, err := auth.GenerateJWT("ops", auth.RoleAdmin, time.Minute)
	require.NoError(t, err)
	withToken := func(method, target string) *http.Request {
		req := httptest.NewRequest(method, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return req
	}

	rec := f.do(withToken(http.MethodPost, "/admin/whitelist/recompute"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, f.whitelist.Current().Version)

	rec = f.do(withToken(http.MethodDelete, "/admin/reports/7"))
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted dto.DeleteReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	assert.EqualValues(t, 3, deleted.RowsRemoved)

	assert.Equal(t, http.StatusNotFound, f.do(withToken(http.MethodDelete, "/admin/reports/8")).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(withToken(http.MethodDelete, "/admin/reports/abc")).Code)
	assert.Equal(t, http.StatusOK, f.do(withToken(http.MethodGet, "/admin/settings")).Code)
	assert.Equal(t, http.StatusBadGateway, f.do(withToken(http.MethodPost, "/admin/ranking/refresh")).Code)
}

func adminRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	t.Setenv("JWT_SECRET", "server-test-secret")
	token, err := auth.GenerateJWT("ops", auth.RoleAdmin, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAdminGetReport(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(adminRequest(t, http.MethodGet, "/admin/reports/7", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var report dto.ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.EqualValues(t, 7, report.ID)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, dto.ReportRowResponse{Domain: "b.com", Evidence: "blocked"}, report.Rows[1])

	assert.Equal(t, http.StatusNotFound, f.do(adminRequest(t, http.MethodGet, "/admin/reports/8", "")).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(httptest.NewRequest(http.MethodGet, "/admin/reports/7", nil)).Code)
}

func TestAdminUpsertRank(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(adminRequest(t, http.MethodPut, "/admin/ranking/example.com", `{"rank":12}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12, f.ranks.ranks["example.com"])

	assert.Equal(t, http.StatusBadRequest, f.do(adminRequest(t, http.MethodPut, "/admin/ranking/example.com", `{"rank":0}`)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(adminRequest(t, http.MethodPut, "/admin/ranking/Example.com", `{"rank":3}`)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(adminRequest(t, http.MethodPut, "/admin/ranking/example.com", `not json`)).Code)
}

func TestAdminRotateReporterToken(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(adminRequest(t, http.MethodPost, "/admin/reporters/1/token", `{"token":"fresh"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "fresh", f.tokens.rotated[1])

	assert.Equal(t, http.StatusBadRequest, f.do(adminRequest(t, http.MethodPost, "/admin/reporters/1/token", `{"token":""}`)).Code)
	assert.Equal(t, http.StatusNotFound, f.do(adminRequest(t, http.MethodPost, "/admin/reporters/2/token", `{"token":"x"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(adminRequest(t, http.MethodPost, "/admin/reporters/zero/token", `{"token":"x"}`)).Code)
}

func TestGraphQLEndpoint(t *testing.T) {
	f := newFixture(t, []consensus.Entry{{Domain: "a.com", Rank: intPtr(1)}})

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ snapshot { version } }"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Snapshot struct {
				Version int `json:"version"`
			} `json:"snapshot"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Data.Snapshot.Version)
}

func TestVersionAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/version", nil)).Code)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}
