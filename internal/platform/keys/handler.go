package keys

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/auth"
	"github.com/ehr/docvault/internal/platform/envelope"
)

// PublicKeyResponse is the API view of a published key. Private keys never
// leave the server.
type PublicKeyResponse struct {
	Identity     string `json:"identity"`
	Version      int    `json:"version"`
	Algorithm    string `json:"algorithm"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// Handler exposes key registration, rotation and lookup.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/keys", h.Register)
	api.POST("/keys/rotate", h.Rotate)
	api.GET("/keys/:identity", h.Get)
	api.GET("/keys/:identity/status", h.GetStatus)
}

// Register creates the caller's first key pair.
func (h *Handler) Register(c echo.Context) error {
	caller := auth.IdentityFromContext(c.Request().Context())
	pair, err := h.mgr.GenerateAndRegister(c.Request().Context(), caller)
	if err != nil {
		return keyError(err)
	}
	return h.respond(c, http.StatusCreated, caller, 1, pair)
}

// Rotate adds a new key version for the caller.
func (h *Handler) Rotate(c echo.Context) error {
	caller := auth.IdentityFromContext(c.Request().Context())
	pair, version, err := h.mgr.Rotate(c.Request().Context(), caller)
	if err != nil {
		return keyError(err)
	}
	return h.respond(c, http.StatusOK, caller, version, pair)
}

// Get returns an identity's public key; ?version= selects an older one.
func (h *Handler) Get(c echo.Context) error {
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
		}
		version = n
	}

	pub, err := h.mgr.RetrievePublicKey(c.Request().Context(), c.Param("identity"), version)
	if err != nil {
		return keyError(err)
	}
	pemBytes, err := envelope.PublicKeyPEM(pub.Key)
	if err != nil {
		return keyError(err)
	}
	return c.JSON(http.StatusOK, PublicKeyResponse{
		Identity:     pub.Identity,
		Version:      pub.Version,
		Algorithm:    envelope.WrapAlgorithm,
		PublicKeyPEM: string(pemBytes),
	})
}

func (h *Handler) GetStatus(c echo.Context) error {
	st, err := h.mgr.Status(c.Request().Context(), c.Param("identity"))
	if err != nil {
		return keyError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) respond(c echo.Context, status int, caller string, version int, pair *envelope.KeyPair) error {
	id, _ := NormalizeIdentity(caller)
	pemBytes, err := envelope.PublicKeyPEM(pair.Public)
	if err != nil {
		return keyError(err)
	}
	return c.JSON(status, PublicKeyResponse{
		Identity:     id,
		Version:      version,
		Algorithm:    envelope.WrapAlgorithm,
		PublicKeyPEM: string(pemBytes),
	})
}

func keyError(err error) error {
	kind := errs.KindOf(err)
	return echo.NewHTTPError(kind.HTTPStatus(), kind.Message()).SetInternal(err)
}
