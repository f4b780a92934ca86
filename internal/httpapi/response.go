package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rob634/rmhgeoapi/internal/platform/apierr"
)

func respondError(c *gin.Context, status int, code string, err error) {
	apiErr := apierr.New(status, code, err)
	c.JSON(status, apiErr.Body())
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
