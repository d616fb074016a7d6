package patient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/camcops/camcops/internal/domain/schedule"
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
	api.GET("/idnum-definitions", h.ListIDNumDefinitions)

	view := api.Group("", auth.RequireWebviewer())
	view.GET("/patients", h.SearchPatients)
	view.GET("/patients/:pk", h.GetPatient)
	view.GET("/patients/:pk/notes", h.ListNotes)
	view.POST("/patients/:pk/notes", h.AddNote)
	view.DELETE("/patient-notes/:note_id", h.HideNote)

	admin := api.Group("", auth.RequireGroupAdmin())
	admin.POST("/patients", h.AddPatient)
	admin.PUT("/patients/:pk", h.EditPatient)
	admin.DELETE("/patients/:pk", h.DeletePatient)
	admin.GET("/patients/:pk/schedules/:schedule_id/mailto", h.Mailto)

	su := api.Group("", auth.RequireSuperuser())
	su.POST("/idnum-definitions", h.CreateIDNumDefinition)
	su.PUT("/idnum-definitions/:which", h.UpdateIDNumDefinition)
	su.DELETE("/idnum-definitions/:which", h.DeleteIDNumDefinition)
}

// View is the JSON form of a patient with its derived values.
type View struct {
	*Patient
	DOB                  string `json:"dob,omitempty"`
	SurnameForenameUpper string `json:"surname_forename_upper"`
	AccessKey            string `json:"access_key"`
	Age                  *int   `json:"age,omitempty"`
	IsFinalized          bool   `json:"is_finalized"`
}

func NewView(p *Patient, now time.Time) View {
	v := View{
		Patient:              p,
		DOB:                  dateString(p.DOB),
		SurnameForenameUpper: p.SurnameForenameUpper(),
		AccessKey:            p.AccessKey(),
		IsFinalized:          p.IsFinalized(),
	}
	if age, ok := p.AgeAt(now); ok {
		v.Age = &age
	}
	return v
}

// Input is the request body for adding or editing a patient.
type Input struct {
	GroupID   int64                       `json:"group_id"`
	Forename  string                      `json:"forename"`
	Surname   string                      `json:"surname"`
	DOB       string                      `json:"dob"`
	Sex       string                      `json:"sex"`
	Address   string                      `json:"address"`
	Email     string                      `json:"email"`
	GP        string                      `json:"gp"`
	Other     string                      `json:"other"`
	IDNums    []IDNum                     `json:"idnums"`
	Schedules []*schedule.PatientSchedule `json:"task_schedules"`
}

// Patient converts the input. DOB is YYYY-MM-DD.
func (in Input) Patient() (*Patient, error) {
	p := &Patient{
		GroupID:   in.GroupID,
		Forename:  in.Forename,
		Surname:   in.Surname,
		Sex:       in.Sex,
		Address:   in.Address,
		Email:     in.Email,
		GP:        in.GP,
		Other:     in.Other,
		IDNums:    in.IDNums,
		Schedules: in.Schedules,
	}
	if in.DOB != "" {
		dob, err := time.Parse(time.DateOnly, in.DOB)
		if err != nil {
			return nil, fmt.Errorf("dob must be YYYY-MM-DD")
		}
		p.DOB = &dob
	}
	return p, nil
}

func (h *Handler) SearchPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := SearchQuery{
		Forename:    c.QueryParam("forename"),
		Surname:     c.QueryParam("surname"),
		Sex:         c.QueryParam("sex"),
		CurrentOnly: c.QueryParam("include_old") != "true",
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	if v := c.QueryParam("dob"); v != "" {
		dob, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "dob must be YYYY-MM-DD")
		}
		q.DOB = &dob
	}
	if v := c.QueryParam("idnum"); v != "" {
		n, err := parseIDNum(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		q.IDNum = &n
	}

	ctx := c.Request().Context()
	items, total, err := h.svc.SearchPatients(ctx, auth.PrincipalFromContext(ctx), q)
	if err != nil {
		return httpError(err)
	}
	now := h.svc.now()
	views := make([]View, 0, len(items))
	for _, p := range items {
		views = append(views, NewView(p, now))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg))
}

func (h *Handler) GetPatient(c echo.Context) error {
	pk, err := parseID(c, "pk")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.GetPatient(ctx, auth.PrincipalFromContext(ctx), pk)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, NewView(p, h.svc.now()))
}

func (h *Handler) AddPatient(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := in.Patient()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := h.svc.AddPatient(ctx, auth.PrincipalFromContext(ctx), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, NewView(p, h.svc.now()))
}

// EditPatient replaces the patient's details with the body. Omitting
// task_schedules leaves enrolments unchanged.
func (h *Handler) EditPatient(c echo.Context) error {
	pk, err := parseID(c, "pk")
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := in.Patient()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	msg, err := h.svc.EditPatient(ctx, auth.PrincipalFromContext(ctx), pk, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": msg})
}

func (h *Handler) DeletePatient(c echo.Context) error {
	pk, err := parseID(c, "pk")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteServerCreatedPatient(ctx, auth.PrincipalFromContext(ctx), pk); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Mailto(c echo.Context) error {
	pk, err := parseID(c, "pk")
	if err != nil {
		return err
	}
	scheduleID, err := parseID(c, "schedule_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	url, err := h.svc.MailtoURL(ctx, auth.PrincipalFromContext(ctx), pk, scheduleID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"mailto": url})
}

func (h *Handler) ListNotes(c echo.Context) error {
	pk, err := parseID(c, "pk")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	notes, err := h.svc.ListNotes(ctx, auth.PrincipalFromContext(ctx), pk)
	if err != nil {
		return httpError(err)
	}
	if notes == nil {
		notes = []*SpecialNote{}
	}
	return c.JSON(http.StatusOK, notes)
}

func (h *Handler) AddNote(c echo.Context) error {
	pk, err := parseID(c, "pk")
	if err != nil {
		return err
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	n, err := h.svc.AddNote(ctx, auth.PrincipalFromContext(ctx), pk, body.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) HideNote(c echo.Context) error {
	id, err := parseID(c, "note_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.HideNote(ctx, auth.PrincipalFromContext(ctx), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListIDNumDefinitions(c echo.Context) error {
	defs, err := h.svc.ListIDNumDefinitions(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if defs == nil {
		defs = []*IDNumDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

func (h *Handler) CreateIDNumDefinition(c echo.Context) error {
	var d IDNumDefinition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateIDNumDefinition(c.Request().Context(), &d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) UpdateIDNumDefinition(c echo.Context) error {
	which, err := parseID(c, "which")
	if err != nil {
		return err
	}
	var d IDNumDefinition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.WhichIDNum = int(which)
	if err := h.svc.UpdateIDNumDefinition(c.Request().Context(), &d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteIDNumDefinition(c echo.Context) error {
	which, err := parseID(c, "which")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteIDNumDefinition(c.Request().Context(), int(which)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// parseIDNum reads "which:value", e.g. "1:9434765919".
func parseIDNum(s string) (IDNum, error) {
	w, v, ok := strings.Cut(s, ":")
	if !ok {
		return IDNum{}, fmt.Errorf("idnum must be which:value")
	}
	which, err := strconv.Atoi(w)
	if err != nil {
		return IDNum{}, fmt.Errorf("idnum must be which:value")
	}
	value, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return IDNum{}, fmt.Errorf("idnum must be which:value")
	}
	return IDNum{WhichIDNum: which, Value: value}, nil
}

func parseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, schedule.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotEditable), errors.Is(err, ErrInvalid), errors.Is(err, ErrPolicy),
		errors.Is(err, schedule.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
