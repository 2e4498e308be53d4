package graphql

import (
	"context"
	"time"

	gql "github.com/graphql-go/graphql"

	"reachwatch/internal/auth"
	"reachwatch/internal/config"
	"reachwatch/internal/consensus"
	"reachwatch/internal/domain"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// WhitelistSource exposes the current published snapshot.
type WhitelistSource interface {
	Current() *consensus.Snapshot
}

// ReporterLister backs the admin-only reporters field.
type ReporterLister interface {
	ListReporters(ctx context.Context) ([]domain.Reporter, error)
}

func NewSchema(whitelist WhitelistSource, reporters ReporterLister) (gql.Schema, error) {
	entryType := gql.NewObject(gql.ObjectConfig{
		Name: "WhitelistEntry",
		Fields: gql.Fields{
			"domain":   &gql.Field{Type: gql.NewNonNull(gql.String)},
			"rank":     &gql.Field{Type: gql.Int},
			"lastOk":   &gql.Field{Type: gql.DateTime},
			"position": &gql.Field{Type: gql.NewNonNull(gql.Int)},
		},
	})

	pageType := gql.NewObject(gql.ObjectConfig{
		Name: "WhitelistPage",
		Fields: gql.Fields{
			"version":     &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"generatedAt": &gql.Field{Type: gql.DateTime},
			"page":        &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"pageSize":    &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"totalCount":  &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"items":       &gql.Field{Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(entryType)))},
		},
	})

	binType := gql.NewObject(gql.ObjectConfig{
		Name: "HistogramBin",
		Fields: gql.Fields{
			"binId":   &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"minRank": &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"maxRank": &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"count":   &gql.Field{Type: gql.NewNonNull(gql.Int)},
		},
	})

	snapshotType := gql.NewObject(gql.ObjectConfig{
		Name: "Snapshot",
		Fields: gql.Fields{
			"version":     &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"generatedAt": &gql.Field{Type: gql.DateTime},
			"size":        &gql.Field{Type: gql.NewNonNull(gql.Int)},
		},
	})

	reporterType := gql.NewObject(gql.ObjectConfig{
		Name: "Reporter",
		Fields: gql.Fields{
			"id":        &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"name":      &gql.Field{Type: gql.NewNonNull(gql.String)},
			"trusted":   &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"createdAt": &gql.Field{Type: gql.DateTime},
		},
	})

	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"whitelist": &gql.Field{
				Type: gql.NewNonNull(pageType),
				Args: gql.FieldConfigArgument{
					"page":     &gql.ArgumentConfig{Type: gql.Int, DefaultValue: 1},
					"pageSize": &gql.ArgumentConfig{Type: gql.Int, DefaultValue: defaultPageSize},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					page, _ := p.Args["page"].(int)
					pageSize, _ := p.Args["pageSize"].(int)
					return buildWhitelistPage(whitelist.Current(), page, pageSize), nil
				},
			},
			"whitelistEntry": &gql.Field{
				Type: entryType,
				Args: gql.FieldConfigArgument{
					"domain": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					target, _ := p.Args["domain"].(string)
					snapshot := whitelist.Current()
					entry, ok := snapshot.Lookup(target, config.GetConfig().MaxLookupDots())
					if !ok {
						return nil, nil
					}
					return entryMap(entry, snapshot.Position(entry.Domain)), nil
				},
			},
			"histogram": &gql.Field{
				Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(binType))),
				Args: gql.FieldConfigArgument{
					"limit":  &gql.ArgumentConfig{Type: gql.Int},
					"filter": &gql.ArgumentConfig{Type: gql.Boolean, DefaultValue: false},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					var limit *int
					if v, ok := p.Args["limit"].(int); ok {
						limit = &v
					}
					filter, _ := p.Args["filter"].(bool)
					bins := consensus.Histogram(whitelist.Current(), config.GetConfig().HistogramBins(), consensus.ClampHistogramLimit(limit), filter)
					out := make([]map[string]interface{}, 0, len(bins))
					for _, b := range bins {
						out = append(out, map[string]interface{}{
							"binId":   b.BinID,
							"minRank": b.MinRank,
							"maxRank": b.MaxRank,
							"count":   b.Count,
						})
					}
					return out, nil
				},
			},
			"snapshot": &gql.Field{
				Type: snapshotType,
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					snapshot := whitelist.Current()
					if snapshot == nil {
						return nil, nil
					}
					return map[string]interface{}{
						"version":     int(snapshot.Version),
						"generatedAt": snapshot.GeneratedAt,
						"size":        snapshot.Len(),
					}, nil
				},
			},
			"reporters": &gql.Field{
				Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(reporterType))),
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					if RoleFromContext(p.Context) != auth.RoleAdmin {
						return nil, ErrForbidden
					}
					if reporters == nil {
						return []map[string]interface{}{}, nil
					}
					list, err := reporters.ListReporters(p.Context)
					if err != nil {
						return nil, err
					}
					trusted := consensus.ConfiguredTrust{}
					out := make([]map[string]interface{}, 0, len(list))
					for _, r := range list {
						out = append(out, map[string]interface{}{
							"id":        int(r.ID),
							"name":      r.Name,
							"trusted":   trusted.IsTrusted(r.ID),
							"createdAt": r.CreatedAt,
						})
					}
					return out, nil
				},
			},
		},
	})

	return gql.NewSchema(gql.SchemaConfig{Query: queryType})
}

func buildWhitelistPage(snapshot *consensus.Snapshot, page, pageSize int) map[string]interface{} {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	offset := (page - 1) * pageSize
	entries := snapshot.Page(offset, pageSize)
	items := make([]map[string]interface{}, 0, len(entries))
	for i, e := range entries {
		items = append(items, entryMap(e, offset+i))
	}

	var (
		version     uint64
		generatedAt *time.Time
	)
	if snapshot != nil {
		version = snapshot.Version
		ts := snapshot.GeneratedAt
		generatedAt = &ts
	}

	return map[string]interface{}{
		"version":     int(version),
		"generatedAt": generatedAt,
		"page":        page,
		"pageSize":    pageSize,
		"totalCount":  snapshot.Len(),
		"items":       items,
	}
}

func entryMap(e consensus.Entry, position int) map[string]interface{} {
	out := map[string]interface{}{
		"domain":   e.Domain,
		"position": position,
	}
	if e.Rank != nil {
		out["rank"] = *e.Rank
	}
	if e.LastOK != nil {
		out["lastOk"] = *e.LastOK
	}
	return out
}
