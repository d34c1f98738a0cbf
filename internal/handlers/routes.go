package handlers

import "github.com/go-chi/chi/v5"

// Mount registers the /api routes on r.
func Mount(r chi.Router, conversations *ConversationHandler, messages *MessageHandler) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversations.ListConversations)
			r.Post("/", conversations.StartConversation)
			r.Get("/{id}", conversations.GetConversation)
			r.Patch("/{id}", conversations.UpdateStatus)
			r.Delete("/{id}", conversations.DeleteConversation)
			r.Post("/{id}/read", conversations.MarkRead)
			r.Post("/{id}/typing", conversations.SetTyping)
			r.Post("/{id}/view", conversations.OpenView)
			r.Get("/{id}/messages", messages.GetMessages)
			r.Post("/{id}/messages", messages.SendMessage)
			r.Post("/{id}/messages/{clientID}/retry", messages.RetryMessage)
		})
		r.Delete("/view", conversations.CloseView)
	})
}
