package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/acontext-api/internal/auth"
	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/logging"
	"github.com/suPer8Hu/acontext-api/internal/models"
)

const ProjectIDKey = "project_id"

// Authenticator resolves the calling project from an Authorization header.
type Authenticator interface {
	Authenticate(ctx context.Context, header string) (*models.Project, error)
}

// ProjectAuth rejects requests without a valid project bearer token and
// stores the project on both the gin and request contexts.
func ProjectAuth(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			common.FailErr(c, err)
			c.Abort()
			return
		}
		c.Set(ProjectIDKey, p.ID)
		ctx := auth.WithProject(c.Request.Context(), p)
		ctx = logging.WithProjectID(ctx, p.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ProjectID returns the authenticated project id, or "" outside ProjectAuth.
func ProjectID(c *gin.Context) string {
	return c.GetString(ProjectIDKey)
}
