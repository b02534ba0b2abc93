package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/logfile"
	"github.com/aura-webinar/attendance/internal/lottery"
	"github.com/aura-webinar/attendance/internal/metrics"
	"github.com/aura-webinar/attendance/internal/models"
	"github.com/aura-webinar/attendance/internal/sessionlog"
	"github.com/aura-webinar/attendance/pkg/queue"
)

const day1 = "Full Name,User Action,Timestamp\n" +
	"Alice Smith,Joined,2023-03-15 09:00:00\n" +
	"Alice Smith,Left,2023-03-15 09:50:00\n" +
	"Bob Jones,Joined,2023-03-15 09:30:00\n"

const day2 = "Full Name;User Action;Timestamp\n" +
	"Carol Dias;Joined;2023-03-16 09:00:00\n" +
	"Carol Dias;Left;2023-03-16 09:20:00\n"

type envelope[T any] struct {
	Success  bool     `json:"success"`
	Data     T        `json:"data"`
	Error    string   `json:"error"`
	Warnings []string `json:"warnings"`
}

type upFile struct{ name, content string }

func multipartBody(t *testing.T, files []upFile, fields map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		w, err := mw.CreateFormFile("files[]", f.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.content))
		require.NoError(t, err)
	}
	for k, vs := range fields {
		for _, v := range vs {
			require.NoError(t, mw.WriteField(k, v))
		}
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// firstPick always draws the first remaining candidate.
type firstPick struct{}

func (firstPick) IntN(int) int { return 0 }

type fakeRoom struct {
	rooms []uuid.UUID
	draws []lottery.Draw
	err   error
}

func (f *fakeRoom) AnnounceDraw(_ context.Context, room uuid.UUID, d lottery.Draw) error {
	f.rooms = append(f.rooms, room)
	f.draws = append(f.draws, d)
	return f.err
}

type fakeEvents struct {
	webinars map[uuid.UUID]*models.Webinar
	logs     map[uuid.UUID][]models.UserSessionLog
}

func (f *fakeEvents) Events(_ context.Context, id uuid.UUID, loc *time.Location) (*models.Webinar, attendance.RawTable, error) {
	w, ok := f.webinars[id]
	if !ok {
		return nil, attendance.RawTable{}, sessionlog.ErrWebinarNotFound
	}
	return w, sessionlog.EventsTable("webinar:"+id.String(), f.logs[id], loc), nil
}

type fakeJobs struct {
	payloads []queue.ReconcilePayload
	err      error
}

func (f *fakeJobs) EnqueueReconcile(_ context.Context, p queue.ReconcilePayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, p)
	return "job-1", nil
}

type fakePresigner struct{}

func (fakePresigner) GeneratePresignedDownloadURL(_ context.Context, key string) (string, error) {
	return "https://signed.example/" + key, nil
}

type fixture struct {
	router *gin.Engine
	room   *fakeRoom
	jobs   *fakeJobs
	events *fakeEvents
}

func newFixture(t *testing.T, maxUpload int64) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reader, err := logfile.NewReader(logfile.Format{}, zap.NewNop())
	require.NoError(t, err)
	writer, err := logfile.NewWriter(logfile.Format{Sep: ","}, attendance.DefaultColumns())
	require.NoError(t, err)

	f := &fixture{
		room:   &fakeRoom{},
		jobs:   &fakeJobs{},
		events: &fakeEvents{webinars: map[uuid.UUID]*models.Webinar{}, logs: map[uuid.UUID][]models.UserSessionLog{}},
	}
	h := NewHandler(Config{
		Options:        attendance.DefaultOptions(),
		Reader:         reader,
		Writer:         writer,
		Drawer:         lottery.NewDrawer(firstPick{}, zap.NewNop()),
		DefaultWinners: 3,
		DropUsers:      []string{" carol dias "},
		MaxUploadBytes: maxUpload,
	}, Deps{Events: f.events, Jobs: f.jobs, Exports: fakePresigner{}, Room: f.room}, zaptest.NewLogger(t))

	r := gin.New()
	r.POST("/attendance", h.Attendance)
	r.POST("/attendance/count", h.Count)
	r.POST("/vouchers/draw", h.DrawVouchers)
	r.GET("/webinars/:id/attendance", h.WebinarAttendance)
	r.POST("/jobs/reconcile", h.EnqueueReconcile)
	f.router = r
	return f
}

func (f *fixture) upload(t *testing.T, path string, files []upFile, fields map[string][]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, files, fields)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestAttendance(t *testing.T) {
	f := newFixture(t, 0)
	files := []upFile{{"day1.csv", day1}, {"day2.csv", day2}, {"junk.csv", "a,b\n1,2\n"}}

	w := f.upload(t, "/attendance", files, map[string][]string{"ignore_inactive_users": {"false"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env := decode[AttendanceResponse](t, w)
	assert.True(t, env.Success)
	assert.Equal(t, attendance.ModePerDate, env.Data.Table.Mode)
	require.Len(t, env.Data.Table.Rows, 3)
	assert.Equal(t, "CAROL DIAS", env.Data.Table.Rows[0].User)
	assert.Equal(t, 20, env.Data.Table.Rows[0].DurationMinutes)
	assert.Equal(t, "BOB JONES", env.Data.Table.Rows[1].User)
	assert.Equal(t, 510, env.Data.Table.Rows[1].DurationMinutes)
	assert.Equal(t, "ALICE SMITH", env.Data.Table.Rows[2].User)
	require.Len(t, env.Warnings, 1)
	assert.True(t, strings.HasPrefix(env.Warnings[0], "junk.csv: skipped: "), env.Warnings[0])
	assert.Len(t, env.Data.Sources, 3)

	w = f.upload(t, "/attendance", files, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env = decode[AttendanceResponse](t, w)
	require.Len(t, env.Data.Table.Rows, 1, "inactive users are ignored by default")
	assert.Equal(t, "BOB JONES", env.Data.Table.Rows[0].User)
}

func TestAttendanceOverallWithWindow(t *testing.T) {
	f := newFixture(t, 0)
	w := f.upload(t, "/attendance", []upFile{{"day1.csv", day1}, {"day2.csv", day2}}, map[string][]string{
		"ignore_inactive_users": {"false"},
		"overall_uptime":        {"true"},
		"end_time":              {"10:00"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env := decode[AttendanceResponse](t, w)
	assert.Equal(t, attendance.ModeOverall, env.Data.Table.Mode)
	assert.Equal(t, []attendance.Row{
		{User: "ALICE SMITH", DurationMinutes: 50, Attendance: 1},
		{User: "BOB JONES", DurationMinutes: 30, Attendance: 1},
		{User: "CAROL DIAS", DurationMinutes: 20, Attendance: 1},
	}, env.Data.Table.Rows)
}

func TestAttendanceCSV(t *testing.T) {
	f := newFixture(t, 0)
	w := f.upload(t, "/attendance", []upFile{{"day1.csv", day1}}, map[string][]string{
		"ignore_inactive_users": {"false"},
		"format":                {"csv"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attendance.csv")
	assert.Equal(t, "Full Name,Date,Duration\nBOB JONES,2023-03-15,510\nALICE SMITH,2023-03-15,50\n", w.Body.String())
}

func TestAttendanceRejectsBadInput(t *testing.T) {
	f := newFixture(t, 0)
	files := []upFile{{"day1.csv", day1}}
	cases := []struct {
		name   string
		files  []upFile
		fields map[string][]string
		status int
	}{
		{"no files", nil, map[string][]string{"overall_uptime": {"true"}}, http.StatusBadRequest},
		{"bad flag", files, map[string][]string{"overall_uptime": {"maybe"}}, http.StatusBadRequest},
		{"bad clock", files, map[string][]string{"start_time": {"25:00"}}, http.StatusBadRequest},
		{"end before start", files, map[string][]string{"start_time": {"12:00"}, "end_time": {"10:00"}}, http.StatusBadRequest},
		{"bad format", files, map[string][]string{"format": {"xml"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.upload(t, "/attendance", tc.files, tc.fields)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			env := decode[json.RawMessage](t, w)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}

	w := f.upload(t, "/attendance", files, map[string][]string{"start_time": {"12:00"}, "end_time": {"10:00"}})
	assert.Contains(t, decode[json.RawMessage](t, w).Error, attendance.ErrInvalidWindow.Error())
}

func TestAttendanceTooLarge(t *testing.T) {
	f := newFixture(t, 256)
	w := f.upload(t, "/attendance", []upFile{{"big.csv", day1 + strings.Repeat("Alice Smith,Left,2023-03-15 09:50:00\n", 64)}}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCount(t *testing.T) {
	f := newFixture(t, 0)
	w := f.upload(t, "/attendance/count", []upFile{{"day1.csv", day1}, {"day2.csv", day2}}, map[string][]string{
		"ignore_inactive_users": {"false"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[CountResponse](t, w).Data.Count)
}

func TestDrawVouchers(t *testing.T) {
	files := []upFile{{"day1.csv", day1}, {"day2.csv", day2}}

	t.Run("configured exclusions and short pool", func(t *testing.T) {
		f := newFixture(t, 0)
		w := f.upload(t, "/vouchers/draw", files, map[string][]string{
			"ignore_inactive_users": {"false"},
			"number":                {"5"},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		env := decode[DrawResponse](t, w)
		assert.Equal(t, []string{"ALICE SMITH", "BOB JONES"}, env.Data.Winners)
		assert.Equal(t, []string{"CAROL DIAS"}, env.Data.Excluded)
		assert.True(t, env.Data.Short)
		assert.Equal(t, 5, env.Data.Requested)
		assert.Equal(t, 2, env.Data.PoolSize)
		assert.Contains(t, env.Warnings, "not enough attendees for the requested number of winners")
		assert.Empty(t, f.room.rooms)
	})

	t.Run("explicit exclusions and room broadcast", func(t *testing.T) {
		f := newFixture(t, 0)
		room := uuid.New()
		w := f.upload(t, "/vouchers/draw", files, map[string][]string{
			"ignore_inactive_users": {"false"},
			"number":                {"2"},
			"ignore_users[]":        {"Bob Jones"},
			"room":                  {room.String()},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		env := decode[DrawResponse](t, w)
		assert.Equal(t, []string{"ALICE SMITH", "CAROL DIAS"}, env.Data.Winners)
		assert.False(t, env.Data.Short)
		assert.Empty(t, env.Warnings)
		require.Equal(t, []uuid.UUID{room}, f.room.rooms)
		assert.Equal(t, env.Data.Winners, f.room.draws[0].Winners)
	})

	t.Run("duplicates", func(t *testing.T) {
		f := newFixture(t, 0)
		w := f.upload(t, "/vouchers/draw", files, map[string][]string{
			"ignore_inactive_users": {"false"},
			"allow_duplicates":      {"true"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"ALICE SMITH", "ALICE SMITH", "ALICE SMITH"}, decode[DrawResponse](t, w).Data.Winners)
	})

	t.Run("broadcast failure is a warning", func(t *testing.T) {
		f := newFixture(t, 0)
		f.room.err = errors.New("redis down")
		w := f.upload(t, "/vouchers/draw", files, map[string][]string{"room": {uuid.NewString()}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, decode[DrawResponse](t, w).Warnings, "draw room broadcast failed")
	})

	t.Run("csv", func(t *testing.T) {
		f := newFixture(t, 0)
		w := f.upload(t, "/vouchers/draw", files, map[string][]string{
			"ignore_inactive_users": {"false"},
			"number":                {"1"},
			"format":                {"csv"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Full Name\nALICE SMITH\n", w.Body.String())
	})

	t.Run("invalid input", func(t *testing.T) {
		f := newFixture(t, 0)
		for _, fields := range []map[string][]string{
			{"number": {"0"}},
			{"number": {"three"}},
			{"room": {"not-a-uuid"}},
			{"allow_duplicates": {"perhaps"}},
		} {
			w := f.upload(t, "/vouchers/draw", files, fields)
			assert.Equal(t, http.StatusBadRequest, w.Code, fields)
		}
		w := f.upload(t, "/vouchers/draw", files, map[string][]string{"number": {"0"}})
		assert.Equal(t, lottery.ErrInvalidCount.Error(), decode[json.RawMessage](t, w).Error)
	})

	t.Run("invalid count is rejected before reconciling", func(t *testing.T) {
		f := newFixture(t, 0)
		runs := func() float64 {
			return testutil.ToFloat64(metrics.ReconcileRuns.WithLabelValues("http", string(attendance.ModePerDate), "ok")) +
				testutil.ToFloat64(metrics.ReconcileRuns.WithLabelValues("http", string(attendance.ModePerDate), "error"))
		}
		before := runs()
		for _, n := range []string{"-1", "0", "three"} {
			w := f.upload(t, "/vouchers/draw", files, map[string][]string{"number": {n}})
			assert.Equal(t, http.StatusBadRequest, w.Code, n)
		}
		assert.Equal(t, before, runs())
	})
}

func TestWebinarAttendance(t *testing.T) {
	f := newFixture(t, 0)
	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts
	}
	id := uuid.New()
	ends := at("2023-03-15T10:00:00Z")
	left := at("2023-03-15T09:40:00Z")
	f.events.webinars[id] = &models.Webinar{ID: id, Title: "Kickoff", StartsAt: at("2023-03-15T09:00:00Z"), EndsAt: &ends}
	f.events.logs[id] = []models.UserSessionLog{
		{WebinarID: id, FullName: "Alice Smith", JoinedAt: at("2023-03-15T08:50:00Z"), LeftAt: &left},
		{WebinarID: id, FullName: "Bob Jones", JoinedAt: at("2023-03-15T09:30:00Z")},
	}

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/webinars/" + id.String() + "/attendance")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := decode[AttendanceResponse](t, w).Data.Table.Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "ALICE SMITH", rows[0].User)
	assert.Equal(t, 40, rows[0].DurationMinutes, "clamped to the webinar start")
	assert.Equal(t, "BOB JONES", rows[1].User)
	assert.Equal(t, 30, rows[1].DurationMinutes, "open session runs to the webinar end")

	w = get("/webinars/" + id.String() + "/attendance?end_time=09:45")
	require.Equal(t, http.StatusOK, w.Code)
	rows = decode[AttendanceResponse](t, w).Data.Table.Rows
	require.Len(t, rows, 2)
	assert.Equal(t, 15, rows[1].DurationMinutes)

	assert.Equal(t, http.StatusNotFound, get("/webinars/"+uuid.NewString()+"/attendance").Code)
	assert.Equal(t, http.StatusBadRequest, get("/webinars/nope/attendance").Code)
}

func TestEnqueueReconcile(t *testing.T) {
	f := newFixture(t, 0)
	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/jobs/reconcile", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"prefix":"webinars/2023-03/","overall_uptime":true}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	env := decode[JobResponse](t, w)
	assert.Equal(t, "job-1", env.Data.JobID)
	assert.Equal(t, "exports/webinars/2023-03/attendance.csv", env.Data.OutputKey)
	assert.Equal(t, "https://signed.example/exports/webinars/2023-03/attendance.csv", env.Data.DownloadURL)
	require.Len(t, f.jobs.payloads, 1)
	assert.True(t, f.jobs.payloads[0].OverallUptime)
	assert.True(t, f.jobs.payloads[0].IgnoreInactiveUsers)

	w = post(`{"prefix":"p/","output_key":"out/x.csv","ignore_inactive_users":false}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "out/x.csv", f.jobs.payloads[1].OutputKey)
	assert.False(t, f.jobs.payloads[1].IgnoreInactiveUsers)

	assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)

	f.jobs.err = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, post(`{"prefix":"p/"}`).Code)
}

func TestDisabledBackends(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(Config{Options: attendance.DefaultOptions()}, Deps{}, nil)
	r := gin.New()
	r.GET("/webinars/:id/attendance", h.WebinarAttendance)
	r.POST("/jobs/reconcile", h.EnqueueReconcile)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webinars/"+uuid.NewString()+"/attendance", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/reconcile", strings.NewReader(`{"prefix":"p/"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
