// Package realtime implements live delivery and presence for GoChat.
//
// A Hub event loop owns three in-memory structures: the Registry (user to
// live connections), the GroupIndex (group channel to joined connections)
// and the PresenceTracker (online set derived from the Registry). The Router
// resolves direct and group messages against them. Each client connection is
// driven by a Session, which moves it through Connecting, Active and
// Disconnected and forwards its requests to the hub as typed events.
//
// Routing state lives only in this process. Running more than one server
// requires replacing the Hub's tables with a shared backing store.
package realtime
