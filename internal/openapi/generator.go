package openapi

import (
	"net/http"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

// Generate builds the OpenAPI 3.1 document describing the devicegate HTTP
// API.
func Generate(baseURL, version string) *openapi3.T {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "devicegate API",
			Description: "Device-bound access key validation and administration.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
		Tags: openapi3.Tags{
			{Name: "gate", Description: "Access key validation for key holders"},
			{Name: "lookup", Description: "Lookups unlocked by a valid key"},
			{Name: "admin", Description: "Administrator operations"},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = schemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	addGatePaths(doc)
	addAdminPaths(doc)
	return doc
}

// ─── Paths ──────────────────────────────────────────────────────────────────

func addGatePaths(doc *openapi3.T) {
	validate := &openapi3.Operation{
		Tags:        []string{"gate"},
		Summary:     "Validate an access key for a device",
		Description: "Registers the device on first use while the key has a free slot. Rejections are reported with 401 (invalid key) or 403 (device blocked, device limit reached).",
		OperationID: "validate",
		RequestBody: jsonBody("Validation request", ref("ValidateRequest")),
		Responses: newResponses(
			"200", "Access granted", ref("ValidateResponse"),
			http.StatusBadRequest, http.StatusServiceUnavailable,
		),
	}
	validate.Responses.Set("401", response("Invalid access key", ref("ValidateResponse")))
	validate.Responses.Set("403", response("Device blocked or device limit reached", ref("ValidateResponse")))
	doc.Paths.Set("/api/v1/validate", &openapi3.PathItem{Post: validate})

	doc.Paths.Set("/api/v1/lookup/endpoints", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"lookup"},
		Summary:     "List lookup endpoints",
		OperationID: "list_lookup_endpoints",
		Responses:   newResponses("200", "Lookup catalogue", listOf(ref("LookupEndpoint"))),
	}})

	lookup := &openapi3.Operation{
		Tags:        []string{"lookup"},
		Summary:     "Validate and perform a lookup",
		Description: "Validates the key for the device, then queries the upstream service. Every attempt that passes validation is recorded in the audit log.",
		OperationID: "lookup",
		RequestBody: jsonBody("Lookup request", ref("LookupRequest")),
		Responses: newResponses(
			"200", "Upstream result", ref("LookupResponse"),
			http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable,
		),
	}
	lookup.Responses.Set("401", response("Invalid access key", ref("ValidateResponse")))
	lookup.Responses.Set("403", response("Device blocked or device limit reached", ref("ValidateResponse")))
	doc.Paths.Set("/api/v1/lookup", &openapi3.PathItem{Post: lookup})
}

func addAdminPaths(doc *openapi3.T) {
	session := &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Start an administrator session",
			OperationID: "admin_login",
			RequestBody: jsonBody("Administrator secret", ref("LoginRequest")),
			Responses: newResponses("200", "Session token", ref("LoginResponse"),
				http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests),
		},
		Delete: secured(&openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "End the administrator session",
			OperationID: "admin_logout",
			Responses:   newResponses("200", "Session ended", ref("SuccessResponse"), http.StatusUnauthorized),
		}),
	}
	doc.Paths.Set("/api/v1/system/admin/session", session)

	doc.Paths.Set("/api/v1/system/key", &openapi3.PathItem{
		Get: adminOp("list_keys", "List access keys", nil, "200", listOf(ref("AccessKey"))),
		Post: adminOp("create_key", "Create an access key", jsonBody("New key", ref("CreateKeyRequest")),
			"201", ref("AccessKey"), http.StatusBadRequest, http.StatusConflict),
	})
	doc.Paths.Set("/api/v1/system/key/{keyId}", &openapi3.PathItem{
		Parameters: pathParams("keyId"),
		Get:        adminOp("get_key", "Get an access key", nil, "200", ref("AccessKey"), http.StatusNotFound),
		Delete: adminOp("delete_key", "Delete a key and its devices", nil,
			"200", ref("SuccessResponse"), http.StatusNotFound),
	})
	doc.Paths.Set("/api/v1/system/key/{keyId}/active", &openapi3.PathItem{
		Parameters: pathParams("keyId"),
		Put: adminOp("set_key_active", "Activate or deactivate a key", jsonBody("New state", ref("SetActiveRequest")),
			"200", ref("AccessKey"), http.StatusBadRequest, http.StatusNotFound),
	})
	doc.Paths.Set("/api/v1/system/key/{keyId}/max-devices", &openapi3.PathItem{
		Parameters: pathParams("keyId"),
		Put: adminOp("set_key_max_devices", "Change the device limit of a key", jsonBody("New limit", ref("SetMaxDevicesRequest")),
			"200", ref("AccessKey"), http.StatusBadRequest, http.StatusNotFound),
	})
	doc.Paths.Set("/api/v1/system/key/{keyId}/stats", &openapi3.PathItem{
		Parameters: pathParams("keyId"),
		Get:        adminOp("key_stats", "Usage statistics of a key", nil, "200", ref("KeyStats"), http.StatusNotFound),
	})

	listDevices := adminOp("list_devices", "List device registrations", nil, "200", listOf(ref("DeviceRegistration")), http.StatusNotFound)
	listDevices.Parameters = openapi3.Parameters{queryParam("key_id", "Only devices of this key", "string")}
	doc.Paths.Set("/api/v1/system/device", &openapi3.PathItem{Get: listDevices})
	doc.Paths.Set("/api/v1/system/device/{deviceId}", &openapi3.PathItem{
		Parameters: pathParams("deviceId"),
		Delete:     adminOp("remove_device", "Remove a device registration", nil, "200", ref("SuccessResponse")),
	})
	doc.Paths.Set("/api/v1/system/device/{deviceId}/block", &openapi3.PathItem{
		Parameters: pathParams("deviceId"),
		Post:       adminOp("block_device", "Block a device", nil, "200", ref("SuccessResponse"), http.StatusNotFound),
	})
	doc.Paths.Set("/api/v1/system/device/{deviceId}/unblock", &openapi3.PathItem{
		Parameters: pathParams("deviceId"),
		Post: adminOp("unblock_device", "Unblock a device", nil, "200", ref("SuccessResponse"),
			http.StatusNotFound, http.StatusConflict),
	})

	listAudit := adminOp("list_audit", "List audit events, newest first", nil, "200", listOf(ref("AuditEvent")))
	listAudit.Parameters = openapi3.Parameters{
		queryParam("key_id", "Only events of this key", "string"),
		queryParam("limit", "Maximum events returned", "integer"),
		queryParam("offset", "Events skipped", "integer"),
	}
	doc.Paths.Set("/api/v1/system/audit", &openapi3.PathItem{
		Get:    listAudit,
		Delete: adminOp("clear_audit", "Delete every audit event", nil, "200", ref("SuccessResponse")),
	})

	stats := adminOp("dashboard_stats", "Dashboard statistics", nil, "200", ref("DashboardStats"))
	stats.Parameters = openapi3.Parameters{queryParam("recent", "Number of recent events included", "integer")}
	doc.Paths.Set("/api/v1/system/stats", &openapi3.PathItem{Get: stats})

	events := adminOp("events", "Stream change notifications", nil, "101", ref("ChangeEvent"))
	events.Description = "WebSocket. Each message names the collection that changed. The session token may be passed as the access_token query parameter."
	events.Parameters = openapi3.Parameters{queryParam("access_token", "Session token for clients that cannot set headers", "string")}
	doc.Paths.Set("/api/v1/system/events", &openapi3.PathItem{Get: events})
}

// ─── Operation Helpers ──────────────────────────────────────────────────────

func adminOp(id, summary string, body *openapi3.RequestBodyRef, status string, schema *openapi3.SchemaRef, errorCodes ...int) *openapi3.Operation {
	return secured(&openapi3.Operation{
		Tags:        []string{"admin"},
		Summary:     summary,
		OperationID: id,
		RequestBody: body,
		Responses:   newResponses(status, summary, schema, append([]int{http.StatusUnauthorized}, errorCodes...)...),
	})
}

func secured(op *openapi3.Operation) *openapi3.Operation {
	op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	return op
}

func jsonBody(description string, schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: description,
			Required:    true,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

func pathParams(names ...string) openapi3.Parameters {
	params := make(openapi3.Parameters, 0, len(names))
	for _, n := range names {
		params = append(params, &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter(n).WithSchema(openapi3.NewStringSchema()),
		})
	}
	return params
}

func queryParam(name, description, typ string) *openapi3.ParameterRef {
	p := openapi3.NewQueryParameter(name).WithSchema(&openapi3.Schema{Type: &openapi3.Types{typ}})
	p.Description = description
	return &openapi3.ParameterRef{Value: p}
}

func response(description string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &description,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

// newResponses builds a Responses map with a success response, the given
// error responses and a 500.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...int) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(statusCode, response(description, schema))

	errorRef := ref("ErrorResponse")
	for _, code := range append(errorCodes, http.StatusInternalServerError) {
		responses.Set(strconv.Itoa(code), response(http.StatusText(code), errorRef))
	}
	return responses
}

// ─── Schemas ────────────────────────────────────────────────────────────────

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func object(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Required:   required,
		Properties: props,
	}}
}

func typed(typ, format string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{typ}, Format: format}}
}

func str() *openapi3.SchemaRef       { return typed("string", "") }
func dateTime() *openapi3.SchemaRef  { return typed("string", "date-time") }
func integer() *openapi3.SchemaRef   { return typed("integer", "int64") }
func boolean() *openapi3.SchemaRef   { return typed("boolean", "") }
func anyObject() *openapi3.SchemaRef { return typed("object", "") }

func arrayOf(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items}}
}

// listOf wraps items in the {"resource": [...], "meta": {...}} envelope.
func listOf(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return object([]string{"resource"}, openapi3.Schemas{
		"resource": arrayOf(items),
		"meta":     metaSchema(),
	})
}

// metaSchema returns the schema for the "meta" field in list responses.
func metaSchema() *openapi3.SchemaRef {
	return object(nil, openapi3.Schemas{
		"count":  integer(),
		"limit":  integer(),
		"offset": integer(),
	})
}

func enum(values ...string) *openapi3.SchemaRef {
	s := openapi3.NewStringSchema()
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return &openapi3.SchemaRef{Value: s}
}

func deviceMetaProps() openapi3.Schemas {
	return openapi3.Schemas{
		"browser":      str(),
		"os":           str(),
		"device_class": str(),
		"screen_res":   str(),
		"timezone":     str(),
		"locale":       str(),
	}
}

func schemas() openapi3.Schemas {
	deviceProps := deviceMetaProps()
	for k, v := range (openapi3.Schemas{
		"id":            str(),
		"key_id":        str(),
		"device_id":     str(),
		"ip":            str(),
		"location":      str(),
		"first_seen_at": dateTime(),
		"last_seen_at":  dateTime(),
		"login_count":   integer(),
		"blocked":       boolean(),
	}) {
		deviceProps[k] = v
	}

	return openapi3.Schemas{
		"ErrorResponse": object([]string{"error"}, openapi3.Schemas{
			"error": object([]string{"code", "message"}, openapi3.Schemas{
				"code":       typed("integer", "int32"),
				"message":    str(),
				"request_id": str(),
			}),
		}),
		"SuccessResponse": object(nil, openapi3.Schemas{
			"success": boolean(),
			"id":      str(),
			"message": str(),
		}),
		"DeviceMeta": object(nil, deviceMetaProps()),
		"ValidateRequest": object([]string{"secret", "device_id"}, openapi3.Schemas{
			"secret":    str(),
			"device_id": str(),
			"device":    ref("DeviceMeta"),
		}),
		"ValidateResponse": object([]string{"outcome", "message"}, openapi3.Schemas{
			"outcome": enum("authorized", "invalid_key", "device_blocked", "quota_exceeded"),
			"key": object(nil, openapi3.Schemas{
				"id":          str(),
				"name":        str(),
				"max_devices": integer(),
			}),
			"new_device":   boolean(),
			"device_count": integer(),
			"max_devices":  integer(),
			"message":      str(),
		}),
		"LookupEndpoint": object([]string{"id", "path", "parameter"}, openapi3.Schemas{
			"id":          str(),
			"name":        str(),
			"path":        str(),
			"parameter":   str(),
			"description": str(),
		}),
		"LookupRequest": object([]string{"secret", "device_id", "endpoint", "value"}, openapi3.Schemas{
			"secret":    str(),
			"device_id": str(),
			"device":    ref("DeviceMeta"),
			"endpoint":  str(),
			"value":     str(),
		}),
		"LookupResponse": object(nil, openapi3.Schemas{
			"success":    boolean(),
			"data":       anyObject(),
			"endpoint":   str(),
			"parameter":  str(),
			"value":      str(),
			"timestamp":  dateTime(),
			"latency_ms": integer(),
		}),
		"LoginRequest":  object([]string{"secret"}, openapi3.Schemas{"secret": str()}),
		"LoginResponse": object(nil, openapi3.Schemas{"session_token": str(), "token_type": str(), "expires_in": integer()}),
		"AccessKey": object(nil, openapi3.Schemas{
			"id":           str(),
			"secret":       str(),
			"name":         str(),
			"created_at":   dateTime(),
			"last_used_at": dateTime(),
			"usage_count":  integer(),
			"max_devices":  integer(),
			"active":       boolean(),
		}),
		"CreateKeyRequest": object([]string{"name"}, openapi3.Schemas{
			"name":        str(),
			"secret":      str(),
			"max_devices": integer(),
		}),
		"SetActiveRequest":     object([]string{"active"}, openapi3.Schemas{"active": boolean()}),
		"SetMaxDevicesRequest": object([]string{"max_devices"}, openapi3.Schemas{"max_devices": integer()}),
		"DeviceRegistration":   object(nil, deviceProps),
		"AuditEvent": object(nil, openapi3.Schemas{
			"id":              str(),
			"key_id":          str(),
			"key_name":        str(),
			"device_id":       str(),
			"resource":        str(),
			"parameter_name":  str(),
			"parameter_value": str(),
			"success":         boolean(),
			"timestamp":       dateTime(),
			"latency_ms":      integer(),
		}),
		"KeyStats": object(nil, openapi3.Schemas{
			"key_id":            str(),
			"total_events":      integer(),
			"successful_events": integer(),
			"active_devices":    integer(),
			"blocked_devices":   integer(),
		}),
		"DashboardStats": object(nil, openapi3.Schemas{
			"total_keys":      integer(),
			"active_keys":     integer(),
			"total_devices":   integer(),
			"active_devices":  integer(),
			"blocked_devices": integer(),
			"total_events":    integer(),
			"recent_events":   arrayOf(ref("AuditEvent")),
		}),
		"ChangeEvent": object([]string{"table", "at"}, openapi3.Schemas{
			"table":  enum("access_keys", "device_registrations", "audit_events"),
			"at":     dateTime(),
			"source": str(),
		}),
	}
}
