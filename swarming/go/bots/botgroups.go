package bots

import (
	"strconv"
	"strings"

	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/swarmingserver/config"
	"go.skia.org/swarming/swarming/go/types"
)

// BotGroup is the resolved configuration for one group of bots.
type BotGroup struct {
	// Owners are email addresses shown for the group's bots.
	Owners []string

	// Dimensions are injected into the dimensions of every bot in the
	// group. Trusted dimension keys are always present, possibly with no
	// values; their values come only from here, never from the bot.
	Dimensions map[string][]string

	// MachineType marks the group's bots as leased or ephemeral, or "".
	MachineType string

	// Version is a content hash of the group's configuration. Bots
	// receive it on handshake and poll so they can detect config changes.
	Version string
}

// prefixMatch pairs a bot_id_prefix with its group.
type prefixMatch struct {
	prefix string
	group  *BotGroup
}

// BotGroups holds the validated bot-group assignment resolved from one
// BotsConfig. Lookups try direct bot id matches, then prefixes in config
// order, then the default group.
type BotGroups struct {
	directMatches map[string]*BotGroup
	prefixMatches []prefixMatch
	defaultGroup  *BotGroup
}

// Get returns the group for the given bot, or nil if the bot matches no
// group and there is no default group. Validation guarantees that prefixes
// do not intersect, so the first prefix hit is the only one.
func (b *BotGroups) Get(botId string) *BotGroup {
	if g, ok := b.directMatches[botId]; ok {
		return g
	}
	for _, pm := range b.prefixMatches {
		if strings.HasPrefix(botId, pm.prefix) {
			return pm.group
		}
	}
	return b.defaultGroup
}

// ParseBotsConfig validates the bots section of the instance config and
// resolves it into a BotGroups lookup.
func ParseBotsConfig(cfg *config.BotsConfig) (*BotGroups, error) {
	rv := &BotGroups{
		directMatches: map[string]*BotGroup{},
	}
	directGroup := map[string]int{}
	prefixGroup := map[string]int{}
	for i, gc := range cfg.BotGroup {
		group, err := resolveBotGroup(gc, cfg.TrustedDimensions)
		if err != nil {
			return nil, skerr.Wrapf(err, "bot_group #%d", i)
		}
		for _, expr := range gc.BotId {
			botIds, err := expandBotIdExpr(expr)
			if err != nil {
				return nil, skerr.Wrapf(err, "bot_group #%d", i)
			}
			for _, botId := range botIds {
				if prev, ok := directGroup[botId]; ok {
					return nil, skerr.Fmt("bot_group #%d: bot_id %q is already specified in group #%d", i, botId, prev)
				}
				directGroup[botId] = i
				rv.directMatches[botId] = group
			}
		}
		for _, prefix := range gc.BotIdPrefix {
			if prefix == "" {
				return nil, skerr.Fmt("bot_group #%d: empty bot_id_prefix is not allowed", i)
			}
			if prev, ok := prefixGroup[prefix]; ok {
				return nil, skerr.Fmt("bot_group #%d: bot_id_prefix %q is already specified in group #%d", i, prefix, prev)
			}
			// Intersecting prefixes would make assignment depend on
			// evaluation order.
			for existing, prev := range prefixGroup {
				if strings.HasPrefix(prefix, existing) || strings.HasPrefix(existing, prefix) {
					return nil, skerr.Fmt("bot_group #%d: bot_id_prefix %q intersects %q from group #%d", i, prefix, existing, prev)
				}
			}
			prefixGroup[prefix] = i
			rv.prefixMatches = append(rv.prefixMatches, prefixMatch{prefix: prefix, group: group})
		}
		if len(gc.BotId) == 0 && len(gc.BotIdPrefix) == 0 {
			if rv.defaultGroup != nil {
				return nil, skerr.Fmt("bot_group #%d: a default group is already defined", i)
			}
			rv.defaultGroup = group
		}
	}
	return rv, nil
}

// resolveBotGroup converts a raw group config into its resolved form.
func resolveBotGroup(gc *config.BotGroupConfig, trustedDimensions []string) (*BotGroup, error) {
	dims := make(map[string][]string, len(trustedDimensions)+len(gc.Dimensions))
	for _, key := range trustedDimensions {
		dims[key] = []string{}
	}
	for _, d := range gc.Dimensions {
		if !types.ValidTag(d) {
			return nil, skerr.Fmt("invalid dimension %q, expected \"key:value\"", d)
		}
		split := strings.SplitN(d, ":", 2)
		dims[split[0]] = append(dims[split[0]], split[1])
	}
	group := &BotGroup{
		Owners:      util.CopyStringSlice(gc.Owners),
		Dimensions:  dims,
		MachineType: gc.MachineType,
	}
	group.Version = hashBotGroup(group)
	return group, nil
}

// hashBotGroup returns a content hash of the group's configuration, computed
// with Version still empty. Bencode dictionaries are key-sorted, which makes
// the encoding stable.
func hashBotGroup(g *BotGroup) string {
	sum, err := util.MD5Sum(g)
	if err != nil {
		// Maps and slices of strings always encode.
		panic(err)
	}
	return "hash:" + sum[:14]
}

// expandBotIdExpr expands a bot_id expression into individual bot ids.
// Expressions support at most one {...} section containing either a comma
// list ("vm{a,b}-batch") or an inclusive integer range ("vm{1..3}-batch").
func expandBotIdExpr(expr string) ([]string, error) {
	if expr == "" {
		return nil, skerr.Fmt("empty bot_id is not allowed")
	}
	left := strings.Index(expr, "{")
	right := strings.Index(expr, "}")
	if left == -1 && right == -1 {
		return []string{expr}, nil
	}
	if left == -1 || right == -1 || right < left {
		return nil, skerr.Fmt("bad {...} section in %q", expr)
	}
	prefix, body, suffix := expr[:left], expr[left+1:right], expr[right+1:]
	if strings.Contains(body, ",") {
		if strings.Contains(body, "..") {
			return nil, skerr.Fmt("cannot mix a list and a range in %q", expr)
		}
		items := strings.Split(body, ",")
		rv := make([]string, 0, len(items))
		for _, item := range items {
			if item == "" {
				return nil, skerr.Fmt("empty item in the list in %q", expr)
			}
			rv = append(rv, prefix+item+suffix)
		}
		return rv, nil
	}
	if strings.Contains(body, "..") {
		parts := strings.SplitN(body, "..", 2)
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, skerr.Fmt("bad range start in %q", expr)
		}
		end, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, skerr.Fmt("bad range end in %q", expr)
		}
		if end < start {
			return nil, skerr.Fmt("empty range in %q", expr)
		}
		rv := make([]string, 0, end-start+1)
		for i := start; i <= end; i++ {
			rv = append(rv, prefix+strconv.Itoa(i)+suffix)
		}
		return rv, nil
	}
	return nil, skerr.Fmt("bad {...} section in %q", expr)
}
