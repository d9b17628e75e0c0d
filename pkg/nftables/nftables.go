// Package nftables builds the declarative ruleset batches the reconciler
// submits to the packet filter and applies them with the nft binary's
// JSON contract (nft -j -f -), in the same exec.Command("iptables", ...)
// idiom the teacher uses in its host-port publisher, generalized from one
// append-rule call to a whole-batch JSON document.
package nftables

import "fmt"

// Command is one nft JSON batch entry: {"add": {...}}, {"flush": {...}},
// or {"delete": {...}}. It is a loosely-typed map rather than a fully
// modeled schema because nft's rule-expression grammar is large and only
// a handful of expression shapes are ever produced by this reconciler.
type Command map[string]any

// Batch is an ordered sequence of commands submitted to nft as one
// transaction, so that a partial failure never leaves a half-applied
// ruleset.
type Batch struct {
	Commands []Command
}

// Add appends an "add" command for obj.
func (b *Batch) Add(obj Command) {
	b.Commands = append(b.Commands, Command{"add": obj})
}

// Delete appends a "delete" command for obj.
func (b *Batch) Delete(obj Command) {
	b.Commands = append(b.Commands, Command{"delete": obj})
}

// Flush appends a "flush" command for obj.
func (b *Batch) Flush(obj Command) {
	b.Commands = append(b.Commands, Command{"flush": obj})
}

// document renders the batch in the shape nft -j -f - expects:
// {"nftables": [...]}.
func (b Batch) document() map[string]any {
	return map[string]any{"nftables": b.Commands}
}

const familyIP4 = "ip"

// Table builds an "add table" / "delete table" object.
func Table(name string) Command {
	return Command{"family": familyIP4, "name": name}
}

// Chain builds a base (hooked) or regular chain object. hookName and
// priority are ignored for regular (non-base) chains; pass hookName=""
// for those.
func Chain(table, name, hookName string, priority int) Command {
	c := Command{"family": familyIP4, "table": table, "name": name}
	if hookName != "" {
		c["type"] = "nat"
		c["hook"] = hookName
		c["prio"] = priority
		c["policy"] = "accept"
	}
	return c
}

// Set builds an nftables set object, e.g. the allowed_node_ips IPv4 set.
func Set(table, name, elemType string) Command {
	return Command{
		"family":  familyIP4,
		"table":   table,
		"name":    name,
		"type":    elemType,
		"handle":  0,
		"comment": "managed by loadaware",
	}
}

// Map builds an nftables map object keyed by keyType with verdict values.
func Map(table, name, keyType string) Command {
	return Command{
		"family": familyIP4,
		"table":  table,
		"name":   name,
		"type":   keyType,
		"map":    "verdict",
	}
}

// SetElement adds an element to an existing set.
func SetElement(table, set string, elem any) Command {
	return Command{
		"family": familyIP4,
		"table":  table,
		"name":   set,
		"elem":   []any{elem},
	}
}

// MapElement adds a key->verdict element to an existing map.
func MapElement(table, mapName string, key any, chain string) Command {
	return Command{
		"family": familyIP4,
		"table":  table,
		"name":   mapName,
		"elem": []any{
			map[string]any{
				"elem": map[string]any{
					"val": key,
					"data": map[string]any{
						"goto": map[string]any{"target": chain},
					},
				},
			},
		},
	}
}

// ServicesChainRule builds the single rule installed in the bootstrap
// "services" chain: match destination IP against the allowed-node-ips set,
// then jump via the nodeport verdict map keyed by (l4proto, dport).
func ServicesChainRule(table, chain, allowedIPsSet, nodeportMap string) Command {
	expr := []any{
		map[string]any{"match": map[string]any{
			"op":    "==",
			"left":  map[string]any{"payload": map[string]any{"protocol": "ip", "field": "daddr"}},
			"right": map[string]any{"set": "@" + allowedIPsSet},
		}},
		map[string]any{"vmap": map[string]any{
			"key": map[string]any{"concat": []any{
				map[string]any{"payload": map[string]any{"protocol": "ip", "field": "protocol"}},
				map[string]any{"payload": map[string]any{"protocol": "th", "field": "dport"}},
			}},
			"data": "@" + nodeportMap,
		}},
	}
	return Command{"family": familyIP4, "table": table, "chain": chain, "expr": expr}
}

// PreroutingJumpRule builds the prerouting chain's single unconditional
// jump into the services chain.
func PreroutingJumpRule(table, preroutingChain, servicesChain string) Command {
	expr := []any{
		map[string]any{"jump": map[string]any{"target": servicesChain}},
	}
	return Command{"family": familyIP4, "table": table, "chain": preroutingChain, "expr": expr}
}

// VerdictRange is one contiguous range [Low, High] mapped to one backend
// "ip:port" destination in a DNAT service rule.
type VerdictRange struct {
	Low, High int
	Addr      string
	Port      int32
}

// ServiceDNATRule builds the per-service DNAT rule: match tcp dport ==
// nodePort, then DNAT to addr/port picked by a uniform random index over
// [0, mod) through a verdict map of contiguous ranges.
func ServiceDNATRule(table, chain string, nodePort int32, mod int, ranges []VerdictRange) (Command, error) {
	if mod <= 0 {
		return nil, fmt.Errorf("verdict map modulus must be > 0")
	}

	elements := make([]any, 0, len(ranges))
	for _, rg := range ranges {
		var keyVal any = rg.Low
		if rg.High > rg.Low {
			keyVal = map[string]any{"range": []int{rg.Low, rg.High}}
		}
		elements = append(elements, map[string]any{
			"elem": map[string]any{
				"val": keyVal,
				"data": map[string]any{
					"concat": []any{rg.Addr, rg.Port},
				},
			},
		})
	}

	expr := []any{
		map[string]any{"match": map[string]any{
			"op":    "==",
			"left":  map[string]any{"payload": map[string]any{"protocol": "tcp", "field": "dport"}},
			"right": nodePort,
		}},
		map[string]any{"dnat": map[string]any{
			"addr": map[string]any{"map": map[string]any{
				"key":  map[string]any{"numgen": map[string]any{"mode": "random", "mod": mod}},
				"data": elements,
			}},
		}},
	}
	return Command{"family": familyIP4, "table": table, "chain": chain, "expr": expr}, nil
}
