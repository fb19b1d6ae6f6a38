package retry

// Route names where a failed delivery from one source goes next.
// An empty Retry means the source has no retry hop.
type Route struct {
	Retry      string
	DeadLetter string
}

// Routes is the finite lookup table from a consumed source to its route.
type Routes map[string]Route

// Lookup returns the route for source. Sources without an entry dead-letter
// straight to "<source>-dlq" with no retry hop.
func (r Routes) Lookup(source string) Route {
	if route, ok := r[source]; ok {
		return route
	}
	return Route{DeadLetter: DeadLetterTopic(source)}
}

// Merge copies every entry of other into r, overwriting existing sources.
func (r Routes) Merge(other Routes) Routes {
	for source, route := range other {
		r[source] = route
	}
	return r
}

// RetryTopic is the log-style retry destination of topic.
func RetryTopic(topic string) string {
	return topic + "-retry"
}

// DeadLetterTopic is the log-style dead-letter destination of topic.
func DeadLetterTopic(topic string) string {
	return topic + "-dlq"
}

// KafkaRoutes provisions a retry hop for every topic. The retry topic itself
// routes failures straight to the topic's dead-letter destination.
func KafkaRoutes(topics ...string) Routes {
	routes := make(Routes, len(topics)*2)
	for _, topic := range topics {
		routes[topic] = Route{
			Retry:      RetryTopic(topic),
			DeadLetter: DeadLetterTopic(topic),
		}
		routes[RetryTopic(topic)] = Route{
			DeadLetter: DeadLetterTopic(topic),
		}
	}
	return routes
}
