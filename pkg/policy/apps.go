package policy

// Built-in suffix sets for app and category blocking. Matching walks the
// query's candidate suffixes, so blocking "discord" catches any host under
// discordapp.com.

var appDomains = map[string][]string{
	"youtube":   {"youtube.com", "youtu.be", "googlevideo.com", "ytimg.com", "youtube-nocookie.com"},
	"tiktok":    {"tiktok.com", "tiktokv.com", "tiktokcdn.com", "musical.ly", "byteoversea.com"},
	"instagram": {"instagram.com", "cdninstagram.com", "instagr.am"},
	"facebook":  {"facebook.com", "fbcdn.net", "fb.com", "facebook.net"},
	"snapchat":  {"snapchat.com", "sc-cdn.net", "snap-dev.net", "snapkit.com"},
	"discord":   {"discord.com", "discordapp.com", "discord.gg", "discordapp.net", "discord.media"},
	"twitch":    {"twitch.tv", "ttvnw.net", "jtvnw.net", "twitchcdn.net"},
	"netflix":   {"netflix.com", "nflxvideo.net", "nflximg.net", "nflxso.net", "nflxext.com"},
	"twitter":   {"twitter.com", "x.com", "twimg.com", "t.co"},
	"reddit":    {"reddit.com", "redd.it", "redditmedia.com", "redditstatic.com"},
	"whatsapp":  {"whatsapp.com", "whatsapp.net", "wa.me"},
	"telegram":  {"telegram.org", "t.me", "telegram.me", "tdesktop.com"},
	"roblox":    {"roblox.com", "rbxcdn.com", "robloxlabs.com"},
	"fortnite":  {"fortnite.com", "epicgames.com", "epicgames.dev", "unrealengine.com"},
	"minecraft": {"minecraft.net", "mojang.com", "minecraftservices.com"},
	"spotify":   {"spotify.com", "scdn.co", "spotifycdn.com"},
	"steam":     {"steampowered.com", "steamcommunity.com", "steamstatic.com", "steamcontent.com"},
}

var categoryDomains = map[string][]string{
	"social": {
		"facebook.com", "instagram.com", "twitter.com", "x.com", "tiktok.com",
		"snapchat.com", "reddit.com", "pinterest.com", "linkedin.com",
		"threads.net", "mastodon.social", "bsky.app",
	},
	"video": {
		"youtube.com", "googlevideo.com", "netflix.com", "hulu.com",
		"twitch.tv", "vimeo.com", "dailymotion.com", "disneyplus.com",
		"primevideo.com", "max.com",
	},
	"gaming": {
		"roblox.com", "epicgames.com", "steampowered.com", "minecraft.net",
		"ea.com", "playstation.com", "xbox.com", "nintendo.com",
		"battle.net", "riotgames.com",
	},
	"gambling": {
		"bet365.com", "draftkings.com", "fanduel.com", "pokerstars.com",
		"betfair.com", "williamhill.com", "888casino.com", "stake.com",
	},
	"adult": {
		"pornhub.com", "xvideos.com", "xnxx.com", "redtube.com",
		"youporn.com", "onlyfans.com", "chaturbate.com",
	},
	"shopping": {
		"amazon.com", "ebay.com", "aliexpress.com", "temu.com", "shein.com",
		"etsy.com", "walmart.com", "wish.com",
	},
}

// suffix sets indexed for O(1) lookup per candidate.
var (
	appSuffixes      = buildSuffixIndex(appDomains)
	categorySuffixes = buildSuffixIndex(categoryDomains)
)

func buildSuffixIndex(src map[string][]string) map[string]string {
	out := make(map[string]string)
	for id, domains := range src {
		for _, d := range domains {
			out[d] = id
		}
	}
	return out
}

// matchApps returns the first blocked app whose suffix set contains any
// candidate suffix.
func matchApps(candidates []string, blockedApps []string) (string, bool) {
	if len(blockedApps) == 0 {
		return "", false
	}
	blocked := make(map[string]bool, len(blockedApps))
	for _, a := range blockedApps {
		blocked[a] = true
	}
	for _, suffix := range candidates {
		if app, ok := appSuffixes[suffix]; ok && blocked[app] {
			return app, true
		}
	}
	return "", false
}

// matchCategories is matchApps over the category tables.
func matchCategories(candidates []string, blockedCategories []string) (string, bool) {
	if len(blockedCategories) == 0 {
		return "", false
	}
	blocked := make(map[string]bool, len(blockedCategories))
	for _, c := range blockedCategories {
		blocked[c] = true
	}
	for _, suffix := range candidates {
		if cat, ok := categorySuffixes[suffix]; ok && blocked[cat] {
			return cat, true
		}
	}
	return "", false
}

// KnownApps lists the app ids available for blocking.
func KnownApps() []string {
	out := make([]string, 0, len(appDomains))
	for id := range appDomains {
		out = append(out, id)
	}
	return out
}

// KnownCategories lists the category ids available for blocking.
func KnownCategories() []string {
	out := make([]string, 0, len(categoryDomains))
	for id := range categoryDomains {
		out = append(out, id)
	}
	return out
}
