package comm

import "github.com/banshee-data/gatelink/internal/route"

// Observers fans route events out to several observers.
type Observers []route.Observer

func (o Observers) MessageSent(m route.Message) {
	for _, obs := range o {
		obs.MessageSent(m)
	}
}

func (o Observers) MessageReceived(m route.Message) {
	for _, obs := range o {
		obs.MessageReceived(m)
	}
}

func (o Observers) MessageSuppressed(p route.Path) {
	for _, obs := range o {
		obs.MessageSuppressed(p)
	}
}

func (o Observers) MessageDropped(m route.Message, reason error) {
	for _, obs := range o {
		obs.MessageDropped(m, reason)
	}
}

func (o Observers) RouteFailed(err *route.Error) {
	for _, obs := range o {
		obs.RouteFailed(err)
	}
}

type errorHook struct {
	route.NopObserver
	fn func(*route.Error)
}

func (h errorHook) RouteFailed(err *route.Error) { h.fn(err) }

func observerWithHook(obs route.Observer, onError func(*route.Error)) route.Observer {
	var all Observers
	if obs != nil {
		all = append(all, obs)
	}
	if onError != nil {
		all = append(all, errorHook{fn: onError})
	}
	switch len(all) {
	case 0:
		return route.NopObserver{}
	case 1:
		return all[0]
	}
	return all
}
