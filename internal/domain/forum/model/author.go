package model

import "strings"

// AnonymousAuthor 匿名作者信息
type AnonymousAuthor struct {
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Website       string `json:"website,omitempty"`
	OriginAddress string `json:"originAddress"`
}

// Author 注册用户或匿名作者，二者必居其一
type Author struct {
	UserID    string           `json:"userId,omitempty"`
	Anonymous *AnonymousAuthor `json:"anonymous,omitempty"`
}

// Registered 注册用户作者
func Registered(userID string) Author {
	return Author{UserID: userID}
}

// Anonymous 匿名作者
func Anonymous(name, email, website, originAddress string) Author {
	return Author{Anonymous: &AnonymousAuthor{
		Name:          strings.TrimSpace(name),
		Email:         strings.TrimSpace(email),
		Website:       strings.TrimSpace(website),
		OriginAddress: originAddress,
	}}
}

// IsAnonymous 是否匿名
func (a Author) IsAnonymous() bool {
	return a.UserID == "" && a.Anonymous != nil
}

// IsZero 作者信息缺失
func (a Author) IsZero() bool {
	return a.UserID == "" && a.Anonymous == nil
}

// Key 作者身份标识，用于参与人数统计与重复检测
func (a Author) Key() string {
	if !a.IsAnonymous() {
		return "user:" + a.UserID
	}
	if a.Anonymous.Email != "" {
		return "anon:" + strings.ToLower(a.Anonymous.Email)
	}
	return "anon:" + a.Anonymous.Name + "@" + a.Anonymous.OriginAddress
}

// OriginAddress 匿名作者的来源地址
func (a Author) OriginAddress() string {
	if a.Anonymous == nil {
		return ""
	}
	return a.Anonymous.OriginAddress
}
