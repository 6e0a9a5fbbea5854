package handlers

import (
	"encoding/json"
	"html/template"
	"net/http"

	"station-climate/internal/models"
)

const apiTitle = "Station Climate API"

func metricNames() []string {
	names := make([]string, len(models.AllMetrics))
	for i, m := range models.AllMetrics {
		names[i] = string(m)
	}
	return names
}

func yearParam(name, description string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    true,
		"schema":      map[string]interface{}{"type": "integer", "example": 1991},
	}
}

func errorResponse(description string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": "#/components/schemas/Error"},
			},
		},
	}
}

// OpenAPISpec returns the OpenAPI 3.0 document for the series API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       apiTitle,
			"description": "Yearly and seasonal TMIN/TMAX means per GHCN-Daily station, cached by source content hash",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/stations/{station_id}/series": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Get dense metric series for a station",
					"description": "Populates the cache for the year range if the station file changed or rows are missing, " +
						"then returns one point per year for every requested metric. Years without data carry value_c null.",
					"parameters": []map[string]interface{}{
						{
							"name":        "station_id",
							"in":          "path",
							"description": "11-character GHCN station id",
							"required":    true,
							"schema":      map[string]string{"type": "string", "example": "USC00011084"},
						},
						yearParam("start_year", "First year, inclusive"),
						yearParam("end_year", "Last year, inclusive"),
						{
							"name":        "metrics",
							"in":          "query",
							"description": "Comma-separated metric keys; all metrics when omitted",
							"required":    false,
							"schema": map[string]interface{}{
								"type":  "array",
								"items": map[string]interface{}{"type": "string", "enum": metricNames()},
							},
							"style":   "form",
							"explode": false,
						},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Dense series",
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]string{"$ref": "#/components/schemas/SeriesResponse"},
								},
							},
						},
						"400": errorResponse("Invalid station id, year range or metric"),
						"404": errorResponse("No raw file exists for the station"),
						"503": errorResponse("Station lock not acquired in time; retry later"),
						"500": errorResponse("Internal error"),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Health check",
					"responses": map[string]interface{}{
						"200": map[string]string{"description": "Store reachable"},
						"503": map[string]string{"description": "Store unreachable"},
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":   "Prometheus metrics",
					"responses": map[string]interface{}{"200": map[string]string{"description": "Metrics in text exposition format"}},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Point": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"year":          map[string]string{"type": "integer"},
						"value_c":       map[string]interface{}{"type": "number", "nullable": true, "description": "Mean in degrees Celsius"},
						"present_days":  map[string]string{"type": "integer"},
						"expected_days": map[string]string{"type": "integer"},
					},
				},
				"Series": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key":    map[string]interface{}{"type": "string", "enum": metricNames()},
						"sha256": map[string]string{"type": "string"},
						"points": map[string]interface{}{
							"type":  "array",
							"items": map[string]string{"$ref": "#/components/schemas/Point"},
						},
					},
				},
				"SeriesResponse": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"station_id": map[string]string{"type": "string"},
						"sha256":     map[string]string{"type": "string"},
						"start_year": map[string]string{"type": "integer"},
						"end_year":   map[string]string{"type": "integer"},
						"series": map[string]interface{}{
							"type":  "array",
							"items": map[string]string{"$ref": "#/components/schemas/Series"},
						},
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":      map[string]string{"type": "string"},
						"message":    map[string]string{"type": "string"},
						"code":       map[string]string{"type": "integer"},
						"request_id": map[string]string{"type": "string"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}

var swaggerPage = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.10.0/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            window.ui = SwaggerUIBundle({ url: {{.SpecURL}}, dom_id: '#swagger-ui', deepLinking: true });
        };
    </script>
</body>
</html>`))

// SwaggerUI serves the interactive documentation page
func SwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	swaggerPage.Execute(w, struct {
		Title   string
		SpecURL string
	}{apiTitle, "/api/docs/openapi.json"})
}
