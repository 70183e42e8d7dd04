package server

import (
	"net/http"
	"net/url"

	"escrow-service/internal/domain"

	"github.com/labstack/echo/v4"
)

type GrantRequest struct {
	Grantee string `json:"grantee"`
}

func (s *Server) Deposit(c echo.Context) error {
	var req domain.DepositRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	req.Owner = identity(c)

	rec, err := s.escrowService.Deposit(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err, "Failed to deposit record")
	}

	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) GetStatus(c echo.Context) error {
	status, err := s.escrowService.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "Failed to get record status")
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) ReadContent(c echo.Context) error {
	data, err := s.escrowService.Read(c.Request().Context(), c.Param("id"), identity(c))
	if err != nil {
		return respondError(c, err, "Failed to read record content")
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (s *Server) Grant(c echo.Context) error {
	var req GrantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	if err := s.escrowService.Grant(c.Request().Context(), c.Param("id"), identity(c), req.Grantee); err != nil {
		return respondError(c, err, "Failed to grant access")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) Revoke(c echo.Context) error {
	// echo leaves path params escaped; x509 identities carry slashes.
	grantee, err := url.PathUnescape(c.Param("grantee"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid grantee",
		})
	}
	if err := s.escrowService.Revoke(c.Request().Context(), c.Param("id"), identity(c), grantee); err != nil {
		return respondError(c, err, "Failed to revoke access")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) Audit(c echo.Context) error {
	entries, err := s.escrowService.Audit(c.Request().Context(), c.Param("id"), identity(c))
	if err != nil {
		return respondError(c, err, "Failed to query audit trail")
	}
	return c.JSON(http.StatusOK, entries)
}
