package server

import (
	"net/http"

	"github.com/charmbracelet/log"
	gqlhandler "github.com/graphql-go/handler"

	"reachwatch/internal/auth"
	gqlschema "reachwatch/internal/graphql"
)

func newGraphQLHandler(deps Deps) (http.Handler, error) {
	schema, err := gqlschema.NewSchema(deps.Whitelist, deps.Reporters)
	if err != nil {
		return nil, err
	}

	base := gqlhandler.New(&gqlhandler.Config{
		Schema:   &schema,
		Pretty:   true,
		GraphiQL: false,
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if token, ok := auth.BearerToken(r); ok {
			if claims, err := auth.ValidateJWT(token); err == nil {
				ctx = gqlschema.WithRole(ctx, claims.Role)
			} else {
				log.Debug("GraphQL token rejected", "error", err)
			}
		}

		base.ContextHandler(ctx, w, r)
	}), nil
}
