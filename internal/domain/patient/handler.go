package patient

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pediclinic/clinic/internal/domain/clinic"
	"github.com/pediclinic/clinic/internal/domain/patientid"
	"github.com/pediclinic/clinic/internal/platform/auth"
	"github.com/pediclinic/clinic/pkg/pagination"
)

// ClinicResolver finds the clinic addressed by the current request.
type ClinicResolver interface {
	Current(ctx context.Context) (*clinic.Clinic, error)
}

type Handler struct {
	svc     *Service
	clinics ClinicResolver
}

func NewHandler(svc *Service, clinics ClinicResolver) *Handler {
	return &Handler{svc: svc, clinics: clinics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist, auth.RoleNurse))
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/patients/by-patient-id/:patient_id", h.GetPatientByPatientID)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist))
	writeGroup.POST("/patients", h.RegisterPatient)
	writeGroup.PUT("/patients/:id", h.UpdatePatient)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.DELETE("/patients/:id", h.DeletePatient)

	api.GET("/patient-ids/:value", h.DescribePatientID)
}

func (h *Handler) currentClinic(c echo.Context) (*clinic.Clinic, error) {
	cl, err := h.clinics.Current(c.Request().Context())
	if errors.Is(err, clinic.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "clinic not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load clinic")
	}
	return cl, nil
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	cl, err := h.currentClinic(c)
	if err != nil {
		return err
	}

	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// Identifiers are always assigned by the server.
	p.PatientID, p.PatientIDPolicy = "", ""

	if err := h.svc.RegisterPatient(c.Request().Context(), cl.Identity(), &p); err != nil {
		return h.serviceError(c, err)
	}
	c.Response().Header().Set("Location", "/api/v1/patients/"+p.ID.String())
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	cl, err := h.currentClinic(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), cl.ID, id)
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatientByPatientID(c echo.Context) error {
	cl, err := h.currentClinic(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatientByPatientID(c.Request().Context(), cl.ID, c.Param("patient_id"))
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	cl, err := h.currentClinic(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ListFilter{Query: c.QueryParam("q")}
	patients, total, err := h.svc.ListPatients(c.Request().Context(), cl.ID, f, pg.Limit, pg.Offset)
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	cl, err := h.currentClinic(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.UpdatePatient(c.Request().Context(), cl.ID, &p); err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	cl, err := h.currentClinic(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeletePatient(c.Request().Context(), cl.ID, id); err != nil {
		return h.serviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DescribePatientID decodes a patient ID without touching the database.
func (h *Handler) DescribePatientID(c echo.Context) error {
	cl, err := h.currentClinic(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DescribeIdentifier(c.Param("value"), cl.Identity()))
}

func (h *Handler) serviceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrImmutablePatientID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrPatientIDUnavailable):
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("patient id allocation failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrPatientIDUnavailable.Error())
	case errors.Is(err, patientid.ErrInvalidInitials):
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"clinic name does not yield valid patient ID initials")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	default:
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("patient request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
