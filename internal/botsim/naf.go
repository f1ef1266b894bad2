package botsim

import "github.com/ehrlich-b/ghostrunner/internal/channel"

// pathComponentMap renders a Segment into the wire component shape keyed
// exactly as spec §4.6 names it.
func pathComponentMap(seg Segment) map[string]any {
	return map[string]any{
		"sx": seg.Start.X, "sy": seg.Start.Y, "sz": seg.Start.Z,
		"ex": seg.End.X, "ey": seg.End.Y, "ez": seg.End.Z,
		"t0": seg.T0MS, "dur": seg.DurationMS,
		"yaw0": seg.Yaw0Deg, "yaw1": seg.Yaw1Deg,
	}
}

func infoComponentMap(b *BotRecord, displayName string) map[string]any {
	return map[string]any{
		"botId":       b.BotID,
		"avatarId":    b.AvatarID,
		"displayName": displayName,
		"isBot":       true,
	}
}

// createEnvelope builds the full first-sync Create payload (spec §4.6).
func createEnvelope(b *BotRecord, seg Segment, displayName string) channel.NAFEnvelope {
	return channel.NAFEnvelope{
		DataType: "u",
		Data: map[string]any{
			"networkId":      b.NetworkID,
			"owner":          "scene",
			"creator":        "scene",
			"lastOwnerTime":  b.LastOwnerTimeMS,
			"template":       "#remote-bot-avatar",
			"persistent":     false,
			"parent":         nil,
			"isFirstSync":    true,
			"components": map[string]any{
				"0": pathComponentMap(seg),
				"1": infoComponentMap(b, displayName),
			},
		},
	}
}

// updateEnvelope builds an incremental Update payload carrying only the
// PathComponent (spec §4.6).
func updateEnvelope(b *BotRecord, seg Segment) channel.NAFEnvelope {
	return channel.NAFEnvelope{
		DataType: "u",
		Data: map[string]any{
			"networkId":     b.NetworkID,
			"owner":         "scene",
			"creator":       "scene",
			"lastOwnerTime": b.LastOwnerTimeMS,
			"template":      "#remote-bot-avatar",
			"persistent":    false,
			"parent":        nil,
			"components": map[string]any{
				"0": pathComponentMap(seg),
			},
		},
	}
}

// removeEnvelope builds the Remove payload (spec §4.6).
func removeEnvelope(b *BotRecord) channel.NAFEnvelope {
	return channel.NAFEnvelope{
		DataType: "r",
		Data: map[string]any{
			"networkId": b.NetworkID,
		},
	}
}
