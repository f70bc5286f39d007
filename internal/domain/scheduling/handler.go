package scheduling

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/domain/booking"
	"github.com/ehr/scheduler/internal/platform/lock"
	"github.com/ehr/scheduler/internal/platform/timezone"
	"github.com/ehr/scheduler/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinicians := api.Group("/clinicians/:id")
	clinicians.GET("/availability", h.GetAvailability)
	clinicians.PUT("/availability", h.SaveAvailability)
	clinicians.GET("/blocks", h.ListBlocks)
	clinicians.GET("/slots", h.ListSlots)
	clinicians.GET("/settings", h.GetSettings)
	clinicians.PUT("/settings", h.SaveSettings)
	clinicians.GET("/appointments", h.ListAppointments)

	api.POST("/appointments", h.CreateAppointment)
	api.POST("/appointments/series", h.CreateSeries)
	api.GET("/appointments/:id", h.GetAppointment)
	api.PATCH("/appointments/:id", h.UpdateAppointment)
	api.DELETE("/appointments/:id", h.DeleteAppointment)
}

// -- Availability Handlers --

func (h *Handler) GetAvailability(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Pattern(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SaveAvailability(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in AvailabilityInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&in); err != nil {
		return err
	}
	p, err := in.Pattern(id)
	if err != nil {
		return httpError(err)
	}
	saved, err := h.svc.SaveAvailability(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *Handler) ListBlocks(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	from, err := queryDate(c, "start")
	if err != nil {
		return err
	}
	to, err := queryDate(c, "end")
	if err != nil {
		return err
	}
	zone, err := queryZone(c)
	if err != nil {
		return err
	}
	blocks, err := h.svc.Blocks(c.Request().Context(), id, from, to, zone)
	if err != nil {
		return httpError(err)
	}
	if blocks == nil {
		blocks = []availability.Block{}
	}
	return c.JSON(http.StatusOK, blocks)
}

// ListSlots serves either one date (?date=) or a date range (?start=&end=).
func (h *Handler) ListSlots(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	zone, err := queryZone(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var slots []booking.BookableSlot
	if c.QueryParam("date") != "" {
		date, err := queryDate(c, "date")
		if err != nil {
			return err
		}
		slots, err = h.svc.BookableSlots(ctx, id, date, zone)
		if err != nil {
			return httpError(err)
		}
	} else {
		from, err := queryDate(c, "start")
		if err != nil {
			return err
		}
		to, err := queryDate(c, "end")
		if err != nil {
			return err
		}
		slots, err = h.svc.BookableSlotsRange(ctx, id, from, to, zone)
		if err != nil {
			return httpError(err)
		}
	}
	if slots == nil {
		slots = []booking.BookableSlot{}
	}
	return c.JSON(http.StatusOK, slots)
}

// -- Booking Settings Handlers --

func (h *Handler) GetSettings(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.BookingSettings(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) SaveSettings(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var st booking.Settings
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st.ClinicianID = id
	saved, err := h.svc.SaveBookingSettings(c.Request().Context(), st)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

// -- Appointment Handlers --

// ListAppointments reads start and end as calendar dates in the viewer's zone;
// end is inclusive.
func (h *Handler) ListAppointments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	from, err := queryDate(c, "start")
	if err != nil {
		return err
	}
	to, err := queryDate(c, "end")
	if err != nil {
		return err
	}
	zone, err := queryZone(c)
	if err != nil {
		return err
	}
	loc := timezone.Location(timezone.Canonicalize(zone, h.svc.DefaultZone()))
	pg := pagination.FromContext(c)
	views, total, err := h.svc.ListAppointments(c.Request().Context(), id, from.In(loc), to.AddDays(1).In(loc), zone, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	zone, err := queryZone(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetAppointment(c.Request().Context(), id, zone)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	a, err := h.svc.Book(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) CreateSeries(c echo.Context) error {
	var req SeriesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	items, err := h.svc.BookSeries(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, items)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	scope, err := appointment.ParseScope(c.QueryParam("scope"))
	if err != nil {
		return httpError(err)
	}
	var changes appointment.Changes
	if err := c.Bind(&changes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if changes.Zone != nil && !timezone.IsValid(*changes.Zone) {
		return echo.NewHTTPError(http.StatusBadRequest, "zone must be an IANA time zone")
	}
	res, err := h.svc.UpdateAppointment(c.Request().Context(), id, scope, changes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newMutationResponse(res))
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	scope, err := appointment.ParseScope(c.QueryParam("scope"))
	if err != nil {
		return httpError(err)
	}
	res, err := h.svc.DeleteAppointment(c.Request().Context(), id, scope)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newMutationResponse(res))
}

// -- helpers --

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryDate(c echo.Context, name string) (civil.Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return civil.Date{}, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	d, err := civil.ParseDate(raw)
	if err != nil {
		return civil.Date{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+", expected YYYY-MM-DD")
	}
	return d, nil
}

// queryZone returns the zone query parameter. Absent is allowed; a present
// but unknown zone is rejected.
func queryZone(c echo.Context) (string, error) {
	zone := c.QueryParam("zone")
	if zone != "" && !timezone.IsValid(zone) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "zone must be an IANA time zone")
	}
	return zone, nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	var mutErr *appointment.MutationError
	switch {
	case errors.As(err, &mutErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"message":   mutErr.Error(),
			"operation": mutErr.Operation,
			"scope":     mutErr.Scope,
			"attempted": mutErr.Attempted,
			"succeeded": mutErr.Succeeded,
		})
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	case errors.Is(err, ErrSlotConflict), errors.Is(err, appointment.ErrConcurrentChange):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, appointment.ErrInvalidScope),
		errors.Is(err, appointment.ErrInvalidChange),
		errors.Is(err, appointment.ErrInvalidAppointment),
		errors.Is(err, availability.ErrInvalidRange),
		errors.Is(err, availability.ErrInvalidTimeOfDay),
		errors.Is(err, booking.ErrInvalidSettings):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, lock.ErrLockNotAcquired), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler is busy, try again")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
