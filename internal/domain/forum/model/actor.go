package model

// Actor 发起请求的用户；匿名用户只有来源地址
type Actor struct {
	UserID        string   `json:"userId,omitempty"`
	OriginAddress string   `json:"originAddress,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// HasCapability 是否拥有指定能力
func (a Actor) HasCapability(capability string) bool {
	if capability == "" {
		return false
	}
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// IsAnonymous 未登录
func (a Actor) IsAnonymous() bool {
	return a.UserID == ""
}
