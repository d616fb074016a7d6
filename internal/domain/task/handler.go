package task

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireWebviewer())
	g.GET("/task-types", h.ListTaskTypes)
	g.GET("/tasks", h.ListTasks)
	g.POST("/tasks/:table", h.CreateTask)
	g.GET("/tasks/:table/:pk", h.GetTask)
	g.DELETE("/tasks/:table/:pk", h.EraseTask)
	g.GET("/trackers", h.Trackers)
	g.GET("/ctv", h.ClinicalTextView)
}

// View is the JSON form of a task with its derived values.
type View struct {
	*Task
	ShortName  string         `json:"shortname"`
	IsComplete bool           `json:"is_complete"`
	Summaries  []SummaryValue `json:"summaries"`
}

func NewView(t *Task) View {
	v := View{Task: t, IsComplete: t.IsComplete(), Summaries: t.Summaries()}
	if d := t.Definition(); d != nil {
		v.ShortName = d.ShortName
	}
	return v
}

type typeView struct {
	TableName string        `json:"table_name"`
	ShortName string        `json:"shortname"`
	LongName  string        `json:"longname"`
	Questions []Question    `json:"questions"`
	Trackers  []TrackerSpec `json:"trackers,omitempty"`
}

func (h *Handler) ListTaskTypes(c echo.Context) error {
	out := make([]typeView, 0)
	for _, d := range All() {
		out = append(out, typeView{
			TableName: d.TableName,
			ShortName: d.ShortName,
			LongName:  d.LongName,
			Questions: d.Questions,
			Trackers:  d.Trackers,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// ListTasks returns the tasks matching the query filter, paged.
func (h *Handler) ListTasks(c echo.Context) error {
	f, err := FilterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sortGlobal, ok := ParseSortMethod(c.QueryParam("sort"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "sort must be none, asc or desc")
	}
	opts := CollectionOptions{
		CurrentOnly: c.QueryParam("include_old") != "true",
		AsDump:      c.QueryParam("as_dump") == "true",
		SortByClass: sortGlobal,
		SortGlobal:  sortGlobal,
	}

	ctx := c.Request().Context()
	coll, err := h.svc.Collection(auth.PrincipalFromContext(ctx), f, opts)
	if err != nil {
		return httpError(err)
	}
	tasks, err := coll.AllTasks(ctx)
	if err != nil {
		return httpError(err)
	}

	pg := pagination.FromContext(c)
	page := pagination.Window(pg, tasks)
	views := make([]View, 0, len(page))
	for _, t := range page {
		views = append(views, NewView(t))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, len(tasks), pg))
}

func (h *Handler) GetTask(c echo.Context) error {
	pk, err := strconv.ParseInt(c.Param("pk"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pk")
	}
	ctx := c.Request().Context()
	t, err := h.svc.Get(ctx, auth.PrincipalFromContext(ctx), c.Param("table"), pk)
	if err != nil {
		return httpError(err)
	}
	v := NewView(t)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"task":          v,
		"clinical_text": t.ClinicalText(),
	})
}

type createBody struct {
	GroupID     int64      `json:"group_id"`
	PatientPK   *int64     `json:"patient_pk"`
	WhenCreated *time.Time `json:"when_created"`
	Answers     Answers    `json:"answers"`
}

func (h *Handler) CreateTask(c echo.Context) error {
	var body createBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t := &Task{
		TableName:   c.Param("table"),
		GroupID:     body.GroupID,
		PatientPK:   body.PatientPK,
		WhenCreated: body.WhenCreated,
		Answers:     body.Answers,
	}
	ctx := c.Request().Context()
	if err := h.svc.Create(ctx, auth.PrincipalFromContext(ctx), t); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, NewView(t))
}

// EraseTask erases a task, leaving a placeholder unless mode=entirely.
func (h *Handler) EraseTask(c echo.Context) error {
	pk, err := strconv.ParseInt(c.Param("pk"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pk")
	}
	mode := EraseLeavePlaceholder
	switch c.QueryParam("mode") {
	case "", "placeholder":
	case "entirely":
		mode = EraseEntirely
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be placeholder or entirely")
	}
	ctx := c.Request().Context()
	msg, err := h.svc.Erase(ctx, auth.PrincipalFromContext(ctx), c.Param("table"), pk, mode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": msg})
}

func (h *Handler) Trackers(c echo.Context) error {
	f, err := FilterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !f.IdentifiesPatient() {
		return echo.NewHTTPError(http.StatusBadRequest, "trackers need a patient_pk or idnum")
	}
	ctx := c.Request().Context()
	out, err := h.svc.Trackers(ctx, auth.PrincipalFromContext(ctx), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ClinicalTextView(c echo.Context) error {
	f, err := FilterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !f.IdentifiesPatient() {
		return echo.NewHTTPError(http.StatusBadRequest, "clinical text view needs a patient_pk or idnum")
	}
	ctx := c.Request().Context()
	out, err := h.svc.ClinicalTextView(ctx, auth.PrincipalFromContext(ctx), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// FilterFromQuery reads a Filter from query parameters:
//
//	task_type=phq9,gad7  patient_pk=3  idnum=1:9999999999 (repeatable)
//	surname forename dob=YYYY-MM-DD sex  start end (RFC 3339)
//	device_id user_id group_id (comma lists)  complete_only=true  text (repeatable)
func FilterFromQuery(c echo.Context) (*Filter, error) {
	qp := c.QueryParams()
	f := &Filter{
		Surname:      strings.TrimSpace(qp.Get("surname")),
		Forename:     strings.TrimSpace(qp.Get("forename")),
		Sex:          strings.ToUpper(strings.TrimSpace(qp.Get("sex"))),
		CompleteOnly: qp.Get("complete_only") == "true",
		TextContains: qp["text"],
	}
	if v := qp.Get("task_type"); v != "" {
		f.TaskTypes = strings.Split(v, ",")
	}
	if v := qp.Get("patient_pk"); v != "" {
		pk, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid patient_pk %q", v)
		}
		f.PatientPK = &pk
	}
	for _, v := range qp["idnum"] {
		which, value, ok := strings.Cut(v, ":")
		w, err1 := strconv.Atoi(which)
		n, err2 := strconv.ParseInt(value, 10, 64)
		if !ok || err1 != nil || err2 != nil || w <= 0 {
			return nil, fmt.Errorf("invalid idnum %q, want which:value", v)
		}
		f.IDNums = append(f.IDNums, IDNumCriterion{WhichIDNum: w, Value: n})
	}
	if v := qp.Get("dob"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, fmt.Errorf("invalid dob %q", v)
		}
		f.DOB = &d
	}
	for name, dst := range map[string]**time.Time{"start": &f.StartDatetime, "end": &f.EndDatetime} {
		if v := qp.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q", name, v)
			}
			*dst = &ts
		}
	}
	for name, dst := range map[string]*[]int64{"device_id": &f.DeviceIDs, "user_id": &f.AddingUserIDs, "group_id": &f.GroupIDs} {
		ids, err := parseIDList(qp.Get(name))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = ids
	}
	return f, nil
}

func parseIDList(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownTable), errors.Is(err, ErrInvalid), errors.Is(err, ErrNoPatient):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrLive), errors.Is(err, ErrErased):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
