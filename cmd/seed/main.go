package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"taskflow/internal/auth"
	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/model"
	"taskflow/internal/repository"
)

// Seeds an admin user from ADMIN_EMAIL / ADMIN_PASSWORD so the stats
// dashboard is reachable on a fresh database.
func main() {
	log.Println("Starting seed script...")

	_ = godotenv.Load()
	cfg := config.Load()

	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("ADMIN_EMAIL and ADMIN_PASSWORD must be set")
	}

	gormDB, err := db.NewMySQL(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("database init: %v", err)
	}
	if err := gormDB.AutoMigrate(&model.User{}, &model.Task{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	ctx := context.Background()
	userRepo := repository.NewUserRepository(gormDB)

	if existing, err := userRepo.FindByEmail(ctx, email); err == nil && existing != nil {
		log.Printf("admin %s already exists (id=%d), nothing to do", email, existing.ID)
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	admin := &model.User{
		Name:         "Administrator",
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
	}
	if err := userRepo.Create(ctx, admin); err != nil {
		log.Fatalf("create admin: %v", err)
	}

	log.Printf("created admin %s (id=%d)", admin.Email, admin.ID)
}
