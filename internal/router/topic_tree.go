package router

import (
	"fmt"
	"strings"
)

// topicTree is a prefix tree of topic filters keyed by level
type topicTree struct {
	root *topicNode
}

// topicNode represents one filter level
type topicNode struct {
	segment  string
	route    *route
	children map[string]*topicNode
}

func newTopicTree() *topicTree {
	return &topicTree{root: newTopicNode("")}
}

func newTopicNode(segment string) *topicNode {
	return &topicNode{
		segment:  segment,
		children: make(map[string]*topicNode),
	}
}

// ValidateFilter checks a subscription filter against the MQTT wildcard rules
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}

	segments := strings.Split(filter, "/")
	for i, segment := range segments {
		isLast := i == len(segments)-1

		if strings.Contains(segment, "#") && (segment != "#" || !isLast) {
			return fmt.Errorf("%w: multi-level wildcard (#) must be the entire last segment: %s", ErrInvalidFilter, filter)
		}
		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("%w: single-level wildcard (+) must be the entire segment: %s", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// insert stores r at the node for its filter. An existing route for the same
// filter is returned so the caller can keep its position.
func (t *topicTree) insert(r *route) *route {
	current := t.root
	for _, segment := range strings.Split(r.filter, "/") {
		next, exists := current.children[segment]
		if !exists {
			next = newTopicNode(segment)
			current.children[segment] = next
		}
		current = next
	}

	if current.route != nil {
		return current.route
	}
	current.route = r
	return nil
}

// remove deletes the route for filter and prunes empty branches
func (t *topicTree) remove(filter string) *route {
	return t.removeRoute(t.root, strings.Split(filter, "/"), 0)
}

func (t *topicTree) removeRoute(node *topicNode, segments []string, depth int) *route {
	segment := segments[depth]
	child, exists := node.children[segment]
	if !exists {
		return nil
	}

	var removed *route
	if depth == len(segments)-1 {
		removed = child.route
		child.route = nil
	} else {
		removed = t.removeRoute(child, segments, depth+1)
	}

	// Clean up empty branches
	if child.route == nil && len(child.children) == 0 {
		delete(node.children, segment)
	}
	return removed
}

// match collects every route whose filter matches topic
func (t *topicTree) match(topic string) []*route {
	if topic == "" {
		return nil
	}

	segments := strings.Split(topic, "/")
	system := strings.HasPrefix(topic, "$")

	var matches []*route
	t.findMatches(t.root, segments, 0, system, &matches)
	return matches
}

func (t *topicTree) findMatches(node *topicNode, segments []string, depth int, system bool, matches *[]*route) {
	// Wildcards at the first level never match $ topics
	wildcards := !(system && depth == 0)

	// Multi-level wildcard matches the rest, including the parent level
	if wildcards {
		if child, ok := node.children["#"]; ok && child.route != nil {
			*matches = append(*matches, child.route)
		}
	}

	if depth == len(segments) {
		if node.route != nil {
			*matches = append(*matches, node.route)
		}
		return
	}

	segment := segments[depth]
	nextDepth := depth + 1

	if child, ok := node.children[segment]; ok {
		t.findMatches(child, segments, nextDepth, system, matches)
	}

	if wildcards {
		if child, ok := node.children["+"]; ok {
			t.findMatches(child, segments, nextDepth, system, matches)
		}
	}
}
