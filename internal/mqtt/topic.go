package mqtt

import "strings"

// MatchTopic 判斷主題是否符合訂閱過濾器
//
// "+" 比對剛好一層；"#" 只能出現在最後一層，比對其後所有層 (含零層)。
func MatchTopic(filter, topic string) bool {
	if filter == "#" || filter == topic {
		return true
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		switch f {
		case "#":
			return i == len(fs)-1
		case "+":
			if i >= len(ts) {
				return false
			}
		default:
			if i >= len(ts) || f != ts[i] {
				return false
			}
		}
	}
	return len(fs) == len(ts)
}

// ValidFilter 檢查訂閱過濾器
func ValidFilter(filter string) bool {
	if filter == "" || len(filter) > 65535 {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(level, "+") && level != "+" {
			return false
		}
	}
	return true
}

// ValidTopic 檢查發佈主題 (不可含萬用字元)
func ValidTopic(topic string) bool {
	return topic != "" && len(topic) <= 65535 && !strings.ContainsAny(topic, "+#")
}
