package jwttoken

import (
	authmw "fairway/internal/platform/middleware"
)

// JWTServiceAdapter narrows JWTService to the claims shape the auth
// middleware consumes.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*authmw.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &authmw.JWTClaims{
		ActorID: claims.ActorID,
		Role:    claims.Role,
	}, nil
}
