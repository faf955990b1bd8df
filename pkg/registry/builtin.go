package registry

import "net/http"

// Builtin returns the booking platform toolset. Read-only tools pass
// through directly; mutating tools support preview/commit and
// server-side idempotency.
func Builtin() []Descriptor {
	return []Descriptor{
		{
			Name:        "search_services",
			Path:        "search-services",
			Method:      http.MethodGet,
			Description: "Search available services. Optional params: q, category, price_min, price_max.",
		},
		{
			Name:        "get_booking",
			Path:        "bookings/{booking_id}",
			Method:      http.MethodGet,
			Description: "Fetch the detail of a booking by id.",
		},
		{
			Name:        "get_customer",
			Path:        "customers/lookup",
			Method:      http.MethodGet,
			Description: "Fetch a customer by user_id.",
		},
		{
			Name:        "create_booking",
			Path:        "create-booking",
			Method:      http.MethodPost,
			Description: "Create a booking. Previewable; commit requires confirm=true.",
			Mutating:    true,
			ParamsSchema: `{
				"type": "object",
				"properties": {
					"customer": {"type": "integer"},
					"customer_id": {"type": "integer"},
					"service_id": {"type": "integer"},
					"date": {"type": "string"},
					"time": {"type": "string"}
				}
			}`,
		},
		{
			Name:        "register_customer",
			Path:        "register-customer",
			Method:      http.MethodPost,
			Description: "Register a new customer.",
			Mutating:    true,
			ParamsSchema: `{
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"email": {"type": "string"},
					"phone": {"type": "string", "minLength": 10}
				}
			}`,
		},
		{
			Name:        "process_payment",
			Path:        "process-payment",
			Method:      http.MethodPost,
			Description: "Register a payment for a booking. Previewable; commit requires confirm=true.",
			Mutating:    true,
			ParamsSchema: `{
				"type": "object",
				"properties": {
					"booking_id": {"type": "integer"},
					"amount": {"type": "number"},
					"method": {"type": "string"}
				}
			}`,
		},
		{
			Name:        "sales_summary",
			Path:        "sales-summary",
			Method:      http.MethodGet,
			Description: "Sales summary with payment totals for a period. Params: start_date, end_date (YYYY-MM-DD).",
		},
	}
}
