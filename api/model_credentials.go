package api

const (
	CredentialKey_AccessToken  = "access_token"
	CredentialKey_RefreshToken = "refresh_token"
)

type CredentialPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (c CredentialPair) IsEmpty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse accepts both camelCase and snake_case token fields, since
// refresh endpoints differ on naming.
type RefreshResponse struct {
	AccessToken       string `json:"accessToken"`
	RefreshToken      string `json:"refreshToken"`
	AccessTokenSnake  string `json:"access_token"`
	RefreshTokenSnake string `json:"refresh_token"`
}

func (r RefreshResponse) Pair() CredentialPair {
	pair := CredentialPair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	if pair.AccessToken == "" {
		pair.AccessToken = r.AccessTokenSnake
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = r.RefreshTokenSnake
	}
	return pair
}
