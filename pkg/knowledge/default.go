package knowledge

// SeedExamples returns the reference project patterns indexed on first start.
func SeedExamples() []Example {
	return []Example{
		{
			ID:       "todo-app",
			Category: "productivity",
			Text: "Todo App Pattern: Pages - dashboard, task list, task detail. " +
				"Endpoints - GET /api/tasks, POST /api/tasks, PUT /api/tasks/{id}, " +
				"DELETE /api/tasks/{id}. Models - Task(id, title, description, " +
				"completed, created_at). Use optimistic UI updates and local state.",
		},
		{
			ID:       "ecommerce",
			Category: "ecommerce",
			Text: "E-commerce Pattern: Pages - product listing, product detail, cart, " +
				"checkout. Endpoints - GET /api/products, GET /api/products/{id}, " +
				"POST /api/cart, POST /api/orders. Models - Product(id, name, price, " +
				"description, image_url), CartItem(product_id, quantity), " +
				"Order(id, items, total, status). Implement cart as client-side state.",
		},
		{
			ID:       "auth-pattern",
			Category: "auth",
			Text: "Authentication Pattern: Pages - login, register, profile. " +
				"Endpoints - POST /api/auth/login, POST /api/auth/register, " +
				"GET /api/auth/me. Models - User(id, email, hashed_password, name). " +
				"Use JWT tokens stored in httpOnly cookies. Middleware checks " +
				"Authorization header on protected routes.",
		},
		{
			ID:       "dashboard",
			Category: "dashboard",
			Text: "Dashboard Pattern: Pages - overview, analytics, settings. " +
				"Components - StatCard, Chart, DataTable. Use grid layout with " +
				"responsive breakpoints. Fetch summary stats from " +
				"GET /api/stats/overview. Support date-range filtering.",
		},
	}
}
